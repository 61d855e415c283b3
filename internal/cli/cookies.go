package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/crashwatch/internal/clearance"
	"github.com/roach88/crashwatch/internal/upstream"
)

// RefreshCookiesOptions holds flags for the refresh-cookies command.
type RefreshCookiesOptions struct {
	*RootOptions
	URL        string
	ControlURL string
	Browser    string
	Headful    bool
	Timeout    time.Duration
}

// RefreshCookiesResult is the refresh-cookies command's payload. Cookie
// values are never printed.
type RefreshCookiesResult struct {
	Path    string   `json:"path"`
	Cookies []string `json:"cookies"`
}

// NewRefreshCookiesCommand creates the refresh-cookies command.
func NewRefreshCookiesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RefreshCookiesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "refresh-cookies",
		Short: "Obtain fresh feed credentials with a browser",
		Long: `Open the game page in a browser, wait for the edge-protection challenge to
issue its clearance cookie and write every cookie to the configured cookie
file. A running server reloads the file automatically.

Example:
  crashwatch refresh-cookies
  crashwatch refresh-cookies --headful --timeout 3m
  crashwatch refresh-cookies --control-url ws://127.0.0.1:9222/devtools/browser/...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefreshCookies(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "challenge page (overrides upstream.challenge_url)")
	cmd.Flags().StringVar(&opts.ControlURL, "control-url", "", "attach to a running browser's DevTools endpoint")
	cmd.Flags().StringVar(&opts.Browser, "browser", "", "browser binary to launch")
	cmd.Flags().BoolVar(&opts.Headful, "headful", false, "show the browser window")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", clearance.DefaultTimeout, "how long to wait for clearance")

	return cmd
}

func runRefreshCookies(ctx context.Context, opts *RefreshCookiesOptions, cmd *cobra.Command) error {
	url := opts.URL
	if url == "" {
		url = opts.Config.Upstream.ChallengeURL
	}
	path := opts.Config.Upstream.CookieFile

	open := opts.Opener
	if open == nil {
		open = clearance.RodOpener(clearance.RodOptions{
			ControlURL: opts.ControlURL,
			Bin:        opts.Browser,
			Headless:   !opts.Headful,
			UserAgent:  upstream.DefaultUserAgent,
		})
	}

	cookies, err := clearance.Refresh(ctx, path, clearance.Options{
		URL:     url,
		Timeout: opts.Timeout,
		Open:    open,
		Logger:  opts.Logger.Named("clearance"),
	})
	if errors.Is(err, clearance.ErrNoClearance) {
		return WrapExitError(ExitFailure, "challenge not passed; retry with --headful", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "refresh cookies", err)
	}

	result := RefreshCookiesResult{Path: path, Cookies: make([]string, 0, len(cookies))}
	for name := range cookies {
		result.Cookies = append(result.Cookies, name)
	}
	sort.Strings(result.Cookies)

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s %d cookies to %s\n", good("Wrote"), len(result.Cookies), path)
		for _, name := range result.Cookies {
			fmt.Fprintf(w, "  %s\n", name)
		}
	})
}
