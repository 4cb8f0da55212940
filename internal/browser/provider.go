// Package browser captures the current selection and its surroundings from
// a Chromium instance over the DevTools protocol. It is the desktop-side
// context provider: what the user selected, where, and what sits around it.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"golang.org/x/sync/errgroup"

	"glimpse/internal/logging"
	"glimpse/internal/types"
)

// Config holds browser connection settings.
type Config struct {
	// DebuggerURL connects to an already-running browser. Empty launches
	// a headless instance instead.
	DebuggerURL string
	Headless    bool
}

// Provider implements the session layer's context provider against a live
// browser page.
type Provider struct {
	mu      sync.Mutex
	cfg     Config
	browser *rod.Browser
	life    context.Context
	stop    context.CancelFunc
}

// NewProvider creates a provider. The browser connection is established
// lazily on first capture and stays alive until Close.
func NewProvider(cfg Config) *Provider {
	life, stop := context.WithCancel(context.Background())
	return &Provider{cfg: cfg, life: life, stop: stop}
}

// connect binds the cached connection to the provider's lifetime, never
// to a caller's capture budget. Budgets apply per call via Context clones.
func (p *Provider) connect() (*rod.Browser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browser != nil {
		return p.browser, nil
	}

	controlURL := p.cfg.DebuggerURL
	if controlURL == "" {
		url, err := launcher.New().Headless(p.cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(p.life)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	p.browser = browser
	logging.Get(logging.CategoryCapture).Info("browser connected at %s", controlURL)
	return browser, nil
}

// Close drops the browser connection and ends the provider lifetime.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.stop()
	if p.browser == nil {
		return nil
	}
	err := p.browser.Close()
	p.browser = nil
	return err
}

// PermissionGranted reports whether a page is reachable at all.
func (p *Provider) PermissionGranted() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := p.frontPage(ctx)
	return err == nil
}

// frontPage returns the most recently focused page.
func (p *Provider) frontPage(ctx context.Context) (*rod.Page, error) {
	browser, err := p.connect()
	if err != nil {
		return nil, err
	}
	pages, err := browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no open pages")
	}
	return pages.First(), nil
}

// selectionProbe is what the in-page script reports back.
type selectionProbe struct {
	Selection          string `json:"selection"`
	Nearby             string `json:"nearby"`
	LikelyConversation bool   `json:"likelyConversation"`
}

// fastProbeJS reads only the raw selection string. Cheap enough for the
// fast-first budget.
const fastProbeJS = `() => {
	const sel = window.getSelection();
	return JSON.stringify({selection: sel ? sel.toString() : ""});
}`

// fullProbeJS walks outward from the selection anchor to collect the
// surrounding block text, and sniffs chat-like containers so conversation
// selections can be flagged.
const fullProbeJS = `() => {
	const sel = window.getSelection();
	const out = {selection: sel ? sel.toString() : "", nearby: "", likelyConversation: false};
	if (!sel || sel.rangeCount === 0) return JSON.stringify(out);

	let node = sel.anchorNode;
	if (node && node.nodeType === Node.TEXT_NODE) node = node.parentElement;
	let block = node;
	const blockTags = new Set(["P","DIV","ARTICLE","SECTION","LI","TD","PRE","BLOCKQUOTE","MAIN"]);
	while (block && block.parentElement && !blockTags.has(block.tagName)) {
		block = block.parentElement;
	}
	if (block) {
		out.nearby = (block.innerText || "").slice(0, 2000);
	}
	for (let el = node; el; el = el.parentElement) {
		const id = ((el.id || "") + " " + (el.className || "")).toLowerCase();
		if (id.includes("chat") || id.includes("message") || id.includes("conversation") || id.includes("thread")) {
			out.likelyConversation = true;
			break;
		}
	}
	return JSON.stringify(out);
}`

// CaptureContext captures a snapshot under the given policy and budget.
func (p *Provider) CaptureContext(ctx context.Context, policy types.CapturePolicy, budget time.Duration) (types.ContextSnapshot, error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	page, err := p.frontPage(ctx)
	if err != nil {
		return types.ContextSnapshot{}, err
	}
	page = page.Context(ctx)

	switch policy {
	case types.CaptureFastFirst:
		return p.captureFast(page)
	default:
		return p.captureFull(page)
	}
}

// captureFast grabs only the selection string. The snapshot comes back
// partial so the pipeline schedules background enrichment.
func (p *Provider) captureFast(page *rod.Page) (types.ContextSnapshot, error) {
	probe, err := evalProbe(page, fastProbeJS)
	if err != nil {
		return types.ContextSnapshot{}, err
	}
	return types.ContextSnapshot{
		SelectedText: probe.Selection,
		AppName:      "browser",
		Partial:      true,
	}, nil
}

// captureFull collects the selection probe and the page metadata in
// parallel. A metadata failure degrades to a selection-only snapshot
// rather than failing the capture.
func (p *Provider) captureFull(page *rod.Page) (types.ContextSnapshot, error) {
	var (
		probe selectionProbe
		title string
		url   string
	)
	g, _ := errgroup.WithContext(page.GetContext())
	g.Go(func() error {
		got, err := evalProbe(page, fullProbeJS)
		if err != nil {
			return err
		}
		probe = got
		return nil
	})
	g.Go(func() error {
		info, err := page.Info()
		if err != nil {
			logging.Get(logging.CategoryCapture).Debug("page info unavailable: %v", err)
			return nil
		}
		title = info.Title
		url = info.URL
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.ContextSnapshot{}, err
	}

	return types.ContextSnapshot{
		SelectedText:       probe.Selection,
		NearbyText:         probe.Nearby,
		WindowTitle:        title,
		SourceURL:          url,
		AppName:            "browser",
		LikelyConversation: probe.LikelyConversation,
	}, nil
}

func evalProbe(page *rod.Page, js string) (selectionProbe, error) {
	res, err := page.Evaluate(&rod.EvalOptions{JS: js, ByValue: true, AwaitPromise: true})
	if err != nil {
		return selectionProbe{}, fmt.Errorf("selection probe failed: %w", err)
	}
	var probe selectionProbe
	raw := res.Value.String()
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return selectionProbe{}, fmt.Errorf("selection probe returned %q: %w", truncate(raw, 80), err)
	}
	return probe, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
