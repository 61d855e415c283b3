// Package clearance obtains feed credentials by driving a real browser
// through the edge-protection challenge and saving the resulting cookies to
// the cookie file the feed client watches.
package clearance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/upstream"
)

// Defaults for Refresh.
const (
	DefaultTimeout      = 90 * time.Second
	DefaultPollInterval = time.Second
)

// ErrNoClearance means the challenge was not passed before the timeout.
var ErrNoClearance = errors.New("clearance cookie not issued")

// Session is an open browser tab on the challenge page.
type Session interface {
	// Cookies returns the cookies currently set for the page.
	Cookies(ctx context.Context) (map[string]string, error)
	Close() error
}

// Opener starts a Session on url.
type Opener func(ctx context.Context, url string) (Session, error)

// Options configures Refresh.
type Options struct {
	URL          string
	Timeout      time.Duration
	PollInterval time.Duration
	Open         Opener
	Logger       *zap.Logger
}

// Refresh opens opts.URL, waits until the clearance cookie appears and
// writes every cookie to path. The running poller picks the file up through
// its watcher.
func Refresh(ctx context.Context, path string, opts Options) (map[string]string, error) {
	if opts.URL == "" {
		return nil, errors.New("clearance: url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Open == nil {
		opts.Open = RodOpener(RodOptions{Headless: true})
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.String("url", opts.URL))

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	sess, err := opts.Open(ctx, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}
	defer sess.Close()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		cookies, err := sess.Cookies(ctx)
		if err != nil {
			log.Debug("read cookies failed", zap.Error(err))
		} else if _, ok := cookies[upstream.ClearanceCookie]; ok {
			if err := upstream.WriteCookies(path, cookies); err != nil {
				return nil, err
			}
			log.Info("clearance obtained", zap.String("path", path), zap.Int("cookies", len(cookies)))
			return cookies, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", ErrNoClearance, opts.Timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RodOptions configures the rod-backed browser.
type RodOptions struct {
	// ControlURL attaches to a running browser instead of launching one.
	ControlURL string

	// Bin overrides the browser binary; empty lets rod locate or fetch one.
	Bin       string
	Headless  bool
	UserAgent string
}

// RodOpener returns an Opener that drives Chromium through rod.
func RodOpener(o RodOptions) Opener {
	return func(ctx context.Context, url string) (Session, error) {
		s := &rodSession{}
		controlURL := o.ControlURL
		if controlURL == "" {
			l := launcher.New().Headless(o.Headless)
			if o.Bin != "" {
				l = l.Bin(o.Bin)
			}
			u, err := l.Launch()
			if err != nil {
				return nil, fmt.Errorf("launch browser: %w", err)
			}
			s.launcher = l
			controlURL = u
		}

		s.browser = rod.New().ControlURL(controlURL).Context(ctx)
		if err := s.browser.Connect(); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect to browser: %w", err)
		}
		page, err := s.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open page: %w", err)
		}
		if o.UserAgent != "" {
			if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: o.UserAgent}); err != nil {
				s.Close()
				return nil, fmt.Errorf("set user agent: %w", err)
			}
		}
		if err := page.Navigate(url); err != nil {
			s.Close()
			return nil, fmt.Errorf("navigate: %w", err)
		}
		s.page = page
		s.url = url
		return s, nil
	}
}

type rodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	url      string
}

func (s *rodSession) Cookies(ctx context.Context) (map[string]string, error) {
	cookies, err := s.page.Context(ctx).Cookies([]string{s.url})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out, nil
}

func (s *rodSession) Close() error {
	var err error
	if s.browser != nil {
		err = s.browser.Close()
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
	}
	return err
}
