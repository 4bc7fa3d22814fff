package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/dealhound/fetchengine/internal/fetch"
)

// RunnerConfig controls the chromedp-backed browser collaborator.
type RunnerConfig struct {
	MaxParallel  int
	UserAgent    string
	ProxyServer  string
	BlockMarkers []string
}

// ChromeRunner implements fetch.BrowserRunner on a shared Chrome allocator.
type ChromeRunner struct {
	cfg         RunnerConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromeRunner creates the allocator and concurrency gate.
func NewChromeRunner(cfg RunnerConfig) (*ChromeRunner, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromeRunner{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (r *ChromeRunner) Close() {
	r.allocCancel()
}

// Run navigates with the behavior profile applied and returns the rendered
// DOM plus any block signals observed on the document response or in the
// page content.
func (r *ChromeRunner) Run(ctx context.Context, url string, profile fetch.BehaviorProfile, waits fetch.WaitConditions) (string, []string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", nil, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	timeout := waits.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	// Honor the caller's deadline when it is tighter than the nav timeout.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	docStatus := 0
	chromedp.ListenTarget(taskCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && resp.Response != nil {
				docStatus = int(resp.Response.Status)
			}
		}
	})

	selector := waits.Selector
	if selector == "" {
		selector = "body"
	}

	var html string
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Sleep(profile.NavigationWait),
	}
	for i := 0; i < profile.ScrollSteps; i++ {
		actions = append(actions,
			chromedp.Evaluate("window.scrollBy({top: window.innerHeight * 0.8, behavior: 'smooth'})", nil),
			chromedp.Sleep(profile.ScrollPause),
		)
	}
	actions = append(actions,
		chromedp.Sleep(profile.ThinkTime),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("browser run canceled: %w", ctx.Err())
		}
		return "", nil, fmt.Errorf("chromedp run: %w", err)
	}

	return html, r.blockSignals(docStatus, html), nil
}

func (r *ChromeRunner) blockSignals(status int, html string) []string {
	var signals []string
	if status == 403 || status == 503 || status == 429 {
		signals = append(signals, fmt.Sprintf("status:%d", status))
	}
	lower := strings.ToLower(html)
	for _, marker := range r.cfg.BlockMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			signals = append(signals, "marker:"+marker)
		}
	}
	return signals
}

func (r *ChromeRunner) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (r *ChromeRunner) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}
