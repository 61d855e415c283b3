package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ClearanceCookie is the cookie without which the feed serves challenges.
const ClearanceCookie = "cf_clearance"

// CookieFile holds credentials loaded from a name=value file and reloads
// them when the file changes.
//
// File format: one name=value per line; blank lines and lines starting with
// '#' are ignored.
type CookieFile struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	cookies map[string]string
}

// NewCookieFile loads path. A missing file yields an empty set, not an error,
// so the service can start before credentials exist.
func NewCookieFile(path string, logger *zap.Logger) (*CookieFile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CookieFile{path: path, logger: logger, cookies: map[string]string{}}
	if err := c.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return c, nil
}

// Path returns the watched file.
func (c *CookieFile) Path() string {
	return c.path
}

// Reload re-reads the file.
func (c *CookieFile) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read cookie file: %w", err)
	}
	cookies := ParseCookies(data)

	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()

	if _, ok := cookies[ClearanceCookie]; !ok {
		c.logger.Warn("cookie file has no clearance cookie", zap.String("path", c.path))
	}
	c.logger.Info("cookies loaded", zap.String("path", c.path), zap.Int("count", len(cookies)))
	return nil
}

// Len returns the number of loaded cookies.
func (c *CookieFile) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cookies)
}

// Apply adds the current cookies to req.
func (c *CookieFile) Apply(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.cookies))
	for name := range c.cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.AddCookie(&http.Cookie{Name: name, Value: c.cookies[name]})
	}
}

// Watch reloads the file whenever it is written, created or renamed into
// place, until ctx is done. The parent directory is watched so atomic
// replace-by-rename is seen.
func (c *CookieFile) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(c.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.Warn("cookie reload failed", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("cookie watcher error", zap.Error(err))
		}
	}
}

// ParseCookies parses name=value lines.
func ParseCookies(data []byte) map[string]string {
	cookies := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return cookies
}

// WriteCookies writes cookies to path atomically (temp file + rename) in the
// format ParseCookies reads.
func WriteCookies(path string, cookies map[string]string) error {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString("# crashwatch cookies\n")
	for _, name := range names {
		fmt.Fprintf(&buf, "%s=%s\n", name, cookies[name])
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cookies-*")
	if err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write cookies: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write cookies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	return nil
}
