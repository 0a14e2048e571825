package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// MinContentLength is the minimum extracted text length to consider an HTTP
// fetch useful. Shorter pages are likely rendered client-side.
const MinContentLength = 200

// ShouldUseBrowser returns true if the extracted text is too short,
// indicating the page is likely a JavaScript-rendered SPA.
func ShouldUseBrowser(extractedText string) bool {
	return len(strings.TrimSpace(extractedText)) < MinContentLength
}

// BrowserOptions configures the headless browser.
type BrowserOptions struct {
	Headless bool
	// ExecPath overrides the Chrome binary. Empty uses chromedp's lookup.
	ExecPath string
}

// Browser owns one Chrome process. Tabs opened from it share the process.
type Browser struct {
	cancelAlloc context.CancelFunc
	root        context.Context
	cancelRoot  context.CancelFunc
}

// NewBrowser starts Chrome. Requires Chrome/Chromium to be installed on the
// system.
func NewBrowser(ctx context.Context, opts BrowserOptions) (*Browser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	root, cancelRoot := chromedp.NewContext(allocCtx)

	// The first Run launches the browser process.
	if err := chromedp.Run(root); err != nil {
		cancelRoot()
		cancelAlloc()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Browser{cancelAlloc: cancelAlloc, root: root, cancelRoot: cancelRoot}, nil
}

// NewTab opens a tab. The returned context drives chromedp actions in that
// tab; cancel closes it.
func (b *Browser) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(b.root)
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.cancelRoot()
	b.cancelAlloc()
}

// Render navigates a fresh tab to url and returns the rendered HTML once body
// is ready and waitSelector (if set) is visible.
func (b *Browser) Render(ctx context.Context, url, waitSelector string, timeout time.Duration) (string, error) {
	slog.Debug("rendering page in browser", "url", url)

	tab, cancel := b.NewTab()
	defer cancel()

	tab, cancelTimeout := context.WithTimeout(tab, timeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	}
	if waitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
	}

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html))

	if err := chromedp.Run(tab, actions...); err != nil {
		return "", fmt.Errorf("browser rendering failed: %w", err)
	}

	slog.Debug("rendered page", "url", url, "bytes", len(html))
	return html, nil
}

// Navigate points an existing tab at url.
func Navigate(tab context.Context, url string) error {
	if err := chromedp.Run(tab, chromedp.Navigate(url), chromedp.WaitReady("body")); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}
