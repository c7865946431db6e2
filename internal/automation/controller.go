// Package automation drives one target page through the load, scroll, settle and
// extract sequence under a hard deadline.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/metrics"
	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// Errors returned by Controller.Run. Callers record err.Error() on the target result.
var (
	ErrTimeout    = errors.New("automation timeout")
	ErrTabOpen    = errors.New("open tab")
	ErrExtraction = errors.New("extraction")
)

// Browser opens isolated, background tabs.
type Browser interface {
	// NewTab opens url in a new background tab and fails fast when the tab cannot be created.
	NewTab(ctx context.Context, url string) (Tab, error)
}

// Tab is one isolated automation context.
type Tab interface {
	// WaitLoad blocks until the page signals load complete.
	WaitLoad(ctx context.Context) error
	// Scroll injects a scroll-to-bottom into the page.
	Scroll(ctx context.Context) error
	// Extract triggers in-page extraction and awaits exactly one acknowledgment.
	Extract(ctx context.Context) (scrape.ExtractionSummary, error)
	// Close tears the tab down. It must be safe to call while another method is blocked.
	Close() error
}

// Config bounds the sequence. Zero values take the defaults below.
type Config struct {
	Timeout        time.Duration
	ScrollCount    int
	ScrollInterval time.Duration
	SettleDelay    time.Duration
}

// Defaults.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultScrollCount    = 2
	DefaultScrollInterval = 4 * time.Second
	DefaultSettleDelay    = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ScrollCount < 0 {
		c.ScrollCount = 0
	} else if c.ScrollCount == 0 {
		c.ScrollCount = DefaultScrollCount
	}
	if c.ScrollInterval <= 0 {
		c.ScrollInterval = DefaultScrollInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	return c
}

// Controller implements scrape.Automation on top of a Browser.
type Controller struct {
	browser Browser
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Controller.
func New(browser Browser, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		browser: browser,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("automation"),
	}
}

type outcome struct {
	summary scrape.ExtractionSummary
	err     error
}

// Run executes the sequence for target. The whole sequence races one timer; when the
// timer wins, the tab is force-closed and an ErrTimeout is returned no matter which
// step was in flight. The tab never outlives Run.
func (c *Controller) Run(ctx context.Context, target scrape.Target) (scrape.ExtractionSummary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := c.logger.With(zap.String("target_id", target.ID), zap.String("url", target.URL))
	tab := &tabHolder{logger: logger}
	done := make(chan outcome, 1)
	go func() {
		summary, err := c.sequence(runCtx, target, tab)
		done <- outcome{summary: summary, err: err}
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		tab.close()
		if out.err != nil {
			metrics.ObserveAutomation(target.URL, classify(out.err))
			return scrape.ExtractionSummary{}, out.err
		}
		metrics.ObserveAutomation(target.URL, metrics.OutcomeSuccess)
		logger.Debug("automation finished", zap.Int("posts", out.summary.PostsScraped))
		return out.summary, nil
	case <-timer.C:
		cancel()
		tab.close()
		metrics.ObserveAutomation(target.URL, metrics.OutcomeTimeout)
		logger.Warn("automation timed out", zap.Duration("timeout", c.cfg.Timeout))
		return scrape.ExtractionSummary{}, fmt.Errorf("%w after %s", ErrTimeout, c.cfg.Timeout)
	case <-ctx.Done():
		cancel()
		tab.close()
		return scrape.ExtractionSummary{}, fmt.Errorf("automation interrupted: %w", ctx.Err())
	}
}

func (c *Controller) sequence(ctx context.Context, target scrape.Target, holder *tabHolder) (scrape.ExtractionSummary, error) {
	tab, err := c.browser.NewTab(ctx, target.URL)
	if err != nil {
		return scrape.ExtractionSummary{}, fmt.Errorf("%w: %w", ErrTabOpen, err)
	}
	if !holder.set(tab) {
		return scrape.ExtractionSummary{}, ctx.Err()
	}
	if err := tab.WaitLoad(ctx); err != nil {
		return scrape.ExtractionSummary{}, fmt.Errorf("wait for load: %w", err)
	}
	for i := 0; i < c.cfg.ScrollCount; i++ {
		if i > 0 {
			if err := sleep(ctx, c.cfg.ScrollInterval); err != nil {
				return scrape.ExtractionSummary{}, err
			}
		}
		if err := tab.Scroll(ctx); err != nil {
			metrics.ObserveScrollError()
			holder.logger.Warn("scroll failed; continuing", zap.Int("scroll", i+1), zap.Error(err))
		}
	}
	if err := sleep(ctx, c.cfg.SettleDelay); err != nil {
		return scrape.ExtractionSummary{}, err
	}
	summary, err := tab.Extract(ctx)
	if err != nil {
		return scrape.ExtractionSummary{}, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	return summary, nil
}

func classify(err error) string {
	if errors.Is(err, ErrExtraction) {
		return metrics.OutcomeExtraction
	}
	return metrics.OutcomeTabError
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tabHolder hands the tab from the sequence goroutine to whoever tears it down.
// A tab registered after close() is closed on arrival.
type tabHolder struct {
	mu     sync.Mutex
	tab    Tab
	closed bool
	logger *zap.Logger
}

func (h *tabHolder) set(tab Tab) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.closeTab(tab)
		return false
	}
	h.tab = tab
	return true
}

func (h *tabHolder) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.tab != nil {
		h.closeTab(h.tab)
	}
}

func (h *tabHolder) closeTab(tab Tab) {
	if err := tab.Close(); err != nil {
		metrics.ObserveTeardownError()
		h.logger.Warn("tab close failed", zap.Error(err))
	}
}
