// Package browser adapts a Rod-driven Chrome page to the narrow
// drive.PageDriver contract. The executor never sees Rod types; swapping
// the driver for a different engine only touches this package.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config configures the browser Manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headless controls the local launch mode. Default: true.
	Headless *bool

	// NavigateTimeout bounds page navigation. Default: 30s.
	NavigateTimeout time.Duration

	// ResourceBlocking lists resource types to block (Image, Font, Media).
	ResourceBlocking []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Headless == nil {
		h := true
		c.Headless = &h
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome lifecycle: launch or connect, open stealth
// portal pages, shut down.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Call Start before opening pages.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		m.cfg.Logger.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(*m.cfg.Headless)
		// Portals increasingly fingerprint automation.
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.cfg.Logger.Info("browser: launched local chrome", "headless", *m.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	m.browser = b
	return nil
}

// OpenPortal creates a stealth page, navigates to url, waits for load, and
// returns a Driver bound to the page. evidenceDir receives screenshot
// files; empty disables evidence capture.
func (m *Manager) OpenPortal(ctx context.Context, url, evidenceDir string) (*Driver, error) {
	m.mu.Lock()
	b := m.browser
	m.mu.Unlock()
	if b == nil {
		return nil, fmt.Errorf("browser: not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create stealth page: %w", err)
	}

	if len(m.cfg.ResourceBlocking) > 0 {
		blockResources(page, m.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}

	return newDriver(page, evidenceDir, m.cfg.Logger), nil
}

// Close shuts Chrome down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return nil
}

// blockResources installs request interception for resource types the
// automation never needs (images, fonts, media), cutting page weight.
func blockResources(page *rod.Page, types []string) {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[t] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blockSet[string(h.Request.Type())] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}
