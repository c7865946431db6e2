// Package headless implements automation.Browser with chromedp.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/automation"
	"github.com/JakeFAU/group-scraper/internal/metrics"
	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// DefaultExtractHook is the window function the in-page extractor installs.
const DefaultExtractHook = "__groupScraperExtract"

const scrollToBottom = `window.scrollTo(0, document.body.scrollHeight)`

// Config controls the browser process and the extraction hook.
type Config struct {
	Headless bool
	// ExecPath overrides the Chrome binary.
	ExecPath string
	// RemoteURL attaches to an already running browser's DevTools endpoint instead of launching one.
	RemoteURL string
	// UserDataDir reuses a profile, e.g. one that is already logged in.
	UserDataDir string
	UserAgent   string
	// ExtractHook names the window function called to trigger extraction.
	ExtractHook string
	// ExtractorScript is a JavaScript file evaluated in each tab before the hook is called.
	ExtractorScript string
}

// Browser owns one Chrome instance and opens a fresh tab per target.
type Browser struct {
	cfg         Config
	script      string
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ automation.Browser = (*Browser)(nil)

// New prepares the allocator. Chrome itself is launched on the first NewTab.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExtractHook == "" {
		cfg.ExtractHook = DefaultExtractHook
	}
	var script string
	if cfg.ExtractorScript != "" {
		raw, err := os.ReadFile(cfg.ExtractorScript)
		if err != nil {
			return nil, fmt.Errorf("read extractor script: %w", err)
		}
		script = string(raw)
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	}
	return &Browser{
		cfg:         cfg,
		script:      script,
		logger:      logger.Named("browser"),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("mute-audio", true),
		chromedp.WindowSize(1280, 2000),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	return opts
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.browserCancel != nil {
		b.browserCancel()
		b.browserCtx, b.browserCancel = nil, nil
	}
	b.mu.Unlock()
	b.allocCancel()
}

func (b *Browser) ensureStarted() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}
	ctx, cancel := chromedp.NewContext(b.allocator,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
		chromedp.WithErrorf(b.logger.Sugar().Warnf),
	)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	b.logger.Info("browser started", zap.Bool("remote", b.cfg.RemoteURL != ""))
	b.browserCtx, b.browserCancel = ctx, cancel
	return ctx, nil
}

// NewTab opens url in a new tab of the shared browser. The tab is cancelled as soon
// as ctx ends, so a hung navigation cannot outlive the caller's deadline.
func (b *Browser) NewTab(ctx context.Context, url string) (automation.Tab, error) {
	browserCtx, err := b.ensureStarted()
	if err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	stop := context.AfterFunc(ctx, tabCancel)
	tab := &Tab{ctx: tabCtx, cancel: tabCancel, stop: stop, browser: b}

	if err := chromedp.Run(tabCtx, b.setupAction(), chromedp.Navigate(url)); err != nil {
		b.discard(tab, url)
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	return tab, nil
}

// discard closes a tab that never made it back to the caller. Close errors are logged.
func (b *Browser) discard(tab io.Closer, url string) {
	if err := tab.Close(); err != nil {
		metrics.ObserveTeardownError()
		b.logger.Warn("tab close failed", zap.String("url", url), zap.Error(err))
	}
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if b.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// Tab is one chromedp target.
type Tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	stop    func() bool
	browser *Browser
}

// WaitLoad waits until the document body is ready.
func (t *Tab) WaitLoad(ctx context.Context) error {
	return t.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

// Scroll jumps to the bottom of the page to trigger lazy loading.
func (t *Tab) Scroll(ctx context.Context) error {
	return t.run(ctx, chromedp.Evaluate(scrollToBottom, nil))
}

// Extract injects the extractor script when configured, calls the hook and waits for
// its single acknowledgment.
func (t *Tab) Extract(ctx context.Context) (scrape.ExtractionSummary, error) {
	if t.browser.script != "" {
		if err := t.run(ctx, chromedp.Evaluate(t.browser.script, nil)); err != nil {
			return scrape.ExtractionSummary{}, fmt.Errorf("inject extractor: %w", err)
		}
	}
	var raw json.RawMessage
	err := t.run(ctx, chromedp.Evaluate(extractExpression(t.browser.cfg.ExtractHook), &raw,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		return scrape.ExtractionSummary{}, fmt.Errorf("await acknowledgment: %w", err)
	}
	return parseAck(raw)
}

// Close closes the tab. chromedp.Cancel waits for the target to close and reports failures.
func (t *Tab) Close() error {
	t.stop()
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

// run executes actions on the tab while honoring the caller's ctx.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, t.cancel)
	defer stop()
	return chromedp.Run(t.ctx, actions...)
}

// ack is the object the in-page extractor resolves with.
type ack struct {
	PostsScraped int    `json:"postsScraped"`
	Error        string `json:"error"`
}

func extractExpression(hook string) string {
	name, _ := json.Marshal(hook)
	return fmt.Sprintf(`(async () => {
  const hook = window[%[1]s];
  if (typeof hook !== "function") {
    return { postsScraped: 0, error: "extract hook " + %[1]s + " is not installed" };
  }
  const res = await hook();
  return {
    postsScraped: Number(res && res.postsScraped) || 0,
    error: (res && res.error) ? String(res.error) : ""
  };
})()`, name)
}

func parseAck(raw json.RawMessage) (scrape.ExtractionSummary, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return scrape.ExtractionSummary{}, errors.New("empty acknowledgment")
	}
	var a ack
	if err := json.Unmarshal(raw, &a); err != nil {
		return scrape.ExtractionSummary{}, fmt.Errorf("decode acknowledgment: %w", err)
	}
	if a.Error != "" {
		return scrape.ExtractionSummary{}, fmt.Errorf("extractor reported: %s", a.Error)
	}
	return scrape.ExtractionSummary{PostsScraped: a.PostsScraped}, nil
}
