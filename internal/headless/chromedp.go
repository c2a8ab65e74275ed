package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36"
	defaultEvasiveUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
	defaultWidth            = 1366
	defaultHeight           = 768
	defaultNavTimeout       = 30 * time.Second
	defaultNavBackoff       = 2 * time.Second
	defaultSettle           = 1500 * time.Millisecond
)

// Config controls browser launch and navigation.
type Config struct {
	ChromePath        string
	UserAgent         string
	EvasiveUserAgent  string
	Width             int
	Height            int
	NavTimeout        time.Duration
	EvasiveNavTimeout time.Duration
	// NavRetries bounds navigation attempts for the evasive profile.
	NavRetries int
	NavBackoff time.Duration
	Settle     time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.EvasiveUserAgent == "" {
		c.EvasiveUserAgent = defaultEvasiveUserAgent
	}
	if c.Width <= 0 {
		c.Width = defaultWidth
	}
	if c.Height <= 0 {
		c.Height = defaultHeight
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = defaultNavTimeout
	}
	if c.EvasiveNavTimeout <= 0 {
		c.EvasiveNavTimeout = 2 * c.NavTimeout
	}
	if c.NavRetries <= 0 {
		c.NavRetries = 1
	}
	if c.NavBackoff <= 0 {
		c.NavBackoff = defaultNavBackoff
	}
	if c.Settle < 0 {
		c.Settle = 0
	} else if c.Settle == 0 {
		c.Settle = defaultSettle
	}
	return c
}

// Renderer screenshots pages with chromedp. It holds no browser between
// calls; every Render launches and tears down its own process.
type Renderer struct {
	cfg    Config
	logger *zap.Logger
}

// NewRenderer builds a Renderer, filling unset config with defaults.
func NewRenderer(cfg Config, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{cfg: cfg.withDefaults(), logger: logger}
}

func (r *Renderer) userAgent(p Profile) string {
	if p == Evasive {
		return r.cfg.EvasiveUserAgent
	}
	return r.cfg.UserAgent
}

func (r *Renderer) navTimeout(p Profile) time.Duration {
	if p == Evasive {
		return r.cfg.EvasiveNavTimeout
	}
	return r.cfg.NavTimeout
}

func (r *Renderer) navAttempts(p Profile) int {
	if p == Evasive {
		return r.cfg.NavRetries
	}
	return 1
}

func (r *Renderer) allocatorOptions(p Profile) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.WindowSize(r.cfg.Width, r.cfg.Height),
		chromedp.UserAgent(r.userAgent(p)),
	)
	if p == Evasive {
		opts = append(opts,
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("lang", "en-US"),
		)
	}
	if r.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ChromePath))
	}
	return opts
}

// Render launches a fresh browser, loads url with the given profile and
// returns a viewport PNG along with the rendered document.
func (r *Renderer) Render(ctx context.Context, url string, profile Profile) (Shot, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.allocatorOptions(profile)...)
	defer allocCancel()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	if err := chromedp.Run(tabCtx, r.setupAction(profile)); err != nil {
		return Shot{}, fmt.Errorf("start browser: %w", err)
	}

	err := retryNavigation(tabCtx, r.navAttempts(profile), r.cfg.NavBackoff, func(attempt int) error {
		navCtx, cancel := context.WithTimeout(tabCtx, r.navTimeout(profile))
		defer cancel()
		navErr := chromedp.Run(navCtx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
		if navErr != nil {
			r.logger.Debug("navigation failed",
				zap.String("url", url),
				zap.Stringer("profile", profile),
				zap.Int("attempt", attempt),
				zap.Error(navErr),
			)
		}
		return navErr
	})
	if err != nil {
		return Shot{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	var shot Shot
	actions := []chromedp.Action{chromedp.Sleep(r.cfg.Settle)}
	if profile == Evasive {
		actions = append(actions, simulateReader(r.cfg.Width, r.cfg.Height, r.cfg.Settle/2))
	}
	actions = append(actions,
		chromedp.Location(&shot.FinalURL),
		chromedp.OuterHTML("html", &shot.HTML, chromedp.ByQuery),
		chromedp.CaptureScreenshot(&shot.PNG),
	)
	shotCtx, shotCancel := context.WithTimeout(tabCtx, r.navTimeout(profile))
	defer shotCancel()
	if err := chromedp.Run(shotCtx, actions...); err != nil {
		return Shot{}, fmt.Errorf("screenshot %s: %w", url, err)
	}
	shot.StatusCode = meta.status()
	if shot.FinalURL == "" {
		shot.FinalURL = meta.url(url)
	}
	return shot, nil
}

func (r *Renderer) setupAction(p Profile) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(r.userAgent(p)).WithAcceptLanguage("en-US,en;q=0.9").Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(int64(r.cfg.Width), int64(r.cfg.Height), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if p == Evasive {
			return injectStealth().Do(ctx)
		}
		return nil
	})
}

// retryNavigation calls fn up to attempts times, spacing calls by backoff.
// It stops early when ctx ends.
func retryNavigation(ctx context.Context, attempts int, backoff time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	limiter := rate.NewLimiter(rate.Every(backoff), 1)
	var errs []error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait before attempt %d: %w", attempt, err))
			break
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

type responseMeta struct {
	mu         sync.RWMutex
	statusCode int
	finalURL   string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.statusCode = int(resp.Response.Status)
	m.finalURL = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusCode
}

func (m *responseMeta) url(fallback string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.finalURL == "" {
		return fallback
	}
	return m.finalURL
}
