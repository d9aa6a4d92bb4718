// Package browser owns the rod browser session for a single automation
// attempt. Each session launches a dedicated Chrome bound to the assigned
// proxy, so no two jobs ever share an egress identity, and guarantees
// teardown on every exit path.
package browser

import (
	"context"
	"fmt"
	"time"

	"outrider/internal/domain"
	"outrider/internal/jobs/checkpoint"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

type Options struct {
	Headless          bool
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	ActionSelector    string
	MessageSelector   string
	ConfirmSelector   string
}

func (o *Options) applyDefaults() {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 45 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
	if o.ActionSelector == "" {
		o.ActionSelector = `button[data-control-name="connect"], button[aria-label*="Invite"]`
	}
	if o.ConfirmSelector == "" {
		o.ConfirmSelector = `.artdeco-toast-item--visible, [data-test-toast="success"]`
	}
}

// Factory opens proxy-scoped sessions.
type Factory struct {
	opts    Options
	scanner *checkpoint.Scanner
}

func NewFactory(opts Options, scanner *checkpoint.Scanner) *Factory {
	opts.applyDefaults()
	return &Factory{opts: opts, scanner: scanner}
}

// Session is one live browser bound to one proxy for one job.
type Session struct {
	opts     Options
	scanner  *checkpoint.Scanner
	jobID    uint64
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// Open launches Chrome with the proxy wired in as --proxy-server, installs
// credential handling when the proxy needs auth, and returns a stealth page
// ready for navigation. On any setup failure everything already started is
// torn down before returning.
func (f *Factory) Open(ctx context.Context, proxy *domain.Proxy, jobID uint64) (*Session, error) {
	l := launcher.New().
		Leakless(true).
		Headless(f.opts.Headless).
		Proxy(proxy.Endpoint).
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding")

	controlURL, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	if proxy.HasAuth() {
		go func() {
			if authErr := b.HandleAuth(proxy.Username, proxy.Password)(); authErr != nil && ctx.Err() == nil {
				log.Debug("proxy auth handler ended", "proxy_id", proxy.ID, "err", authErr)
			}
		}()
	}

	page, err := stealth.Page(b)
	if err != nil {
		_ = rod.Try(func() { b.MustClose() })
		l.Cleanup()
		return nil, fmt.Errorf("stealth page: %w", err)
	}

	// Deny disk downloads; an automation session never needs them.
	_ = proto.PageSetDownloadBehavior{
		Behavior: proto.PageSetDownloadBehaviorBehaviorDeny,
	}.Call(page)

	log.Debug("browser session opened", "job_id", jobID, "proxy_id", proxy.ID, "endpoint", proxy.Endpoint)

	return &Session{
		opts:     f.opts,
		scanner:  f.scanner,
		jobID:    jobID,
		launcher: l,
		browser:  b,
		page:     page,
	}, nil
}

// Navigate loads the target and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx).Timeout(s.opts.NavigationTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

// WaitSettled blocks until the DOM stops mutating, so lazy-rendered widgets
// (and any challenge overlay) are present before the next scan.
func (s *Session) WaitSettled(ctx context.Context) error {
	page := s.page.Context(ctx).Timeout(s.opts.NavigationTimeout)
	if err := page.WaitStable(time.Second); err != nil {
		return fmt.Errorf("wait settle: %w", err)
	}
	return nil
}

// PerformAction clicks the primary action element and fills in the message
// when the page offers a note field and the job carries one.
func (s *Session) PerformAction(ctx context.Context, message string) error {
	page := s.page.Context(ctx).Timeout(s.opts.ActionTimeout)

	action, err := page.Element(s.opts.ActionSelector)
	if err != nil {
		return fmt.Errorf("locate action element: %w", err)
	}
	if err := action.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click action element: %w", err)
	}

	if message == "" || s.opts.MessageSelector == "" {
		return nil
	}

	found, field, err := page.Has(s.opts.MessageSelector)
	if err != nil || !found {
		// No note field on this variant of the page; the bare action stands.
		return nil
	}
	if err := field.Input(message); err != nil {
		return fmt.Errorf("fill message field: %w", err)
	}
	return nil
}

// ConfirmAction waits for the success indicator the action should produce.
func (s *Session) ConfirmAction(ctx context.Context) error {
	page := s.page.Context(ctx).Timeout(s.opts.ActionTimeout)
	if _, err := page.Element(s.opts.ConfirmSelector); err != nil {
		return fmt.Errorf("confirmation element: %w", err)
	}
	return nil
}

// Scan runs one checkpoint detection pass at the given stage.
func (s *Session) Scan(stage string) domain.CheckpointEvent {
	return s.scanner.Scan(s.page, s.jobID, stage)
}

// Close tears the session down. Safe to call on every exit path, including
// after partial failures.
func (s *Session) Close() {
	if s == nil {
		return
	}
	if s.page != nil {
		_ = rod.Try(func() { s.page.MustClose() })
	}
	if s.browser != nil {
		_ = rod.Try(func() { s.browser.MustClose() })
	}
	if s.launcher != nil {
		s.launcher.Cleanup()
	}
	log.Debug("browser session closed", "job_id", s.jobID)
}
