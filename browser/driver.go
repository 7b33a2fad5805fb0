package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/redrive/drive"
	"github.com/hazyhaar/redrive/idgen"
)

// element wraps a Rod element with the selector that produced it.
type element struct {
	el       *rod.Element
	selector string
}

// Summary produces the compact description the oracle sees: tag, id/name
// attributes, and a slice of visible text.
func (e *element) Summary() string {
	var sb strings.Builder

	node, err := e.el.Describe(0, false)
	if err == nil {
		sb.WriteString(strings.ToLower(node.NodeName))
		for i := 0; i+1 < len(node.Attributes); i += 2 {
			switch node.Attributes[i] {
			case "id", "name", "type", "role", "aria-label":
				fmt.Fprintf(&sb, " %s=%q", node.Attributes[i], node.Attributes[i+1])
			}
		}
	} else {
		sb.WriteString(e.selector)
	}

	if text, err := e.el.Text(); err == nil {
		text = strings.TrimSpace(text)
		if len(text) > 60 {
			text = text[:60] + "…"
		}
		if text != "" {
			fmt.Fprintf(&sb, " text=%q", text)
		}
	}
	return sb.String()
}

// Driver implements drive.PageDriver and drive.EvidenceCapturer on one
// Rod page.
type Driver struct {
	page        *rod.Page
	evidenceDir string
	newRef      idgen.Generator
	logger      *slog.Logger
}

func newDriver(page *rod.Page, evidenceDir string, logger *slog.Logger) *Driver {
	return &Driver{
		page:        page,
		evidenceDir: evidenceDir,
		newRef:      idgen.Timestamped(idgen.Default),
		logger:      logger,
	}
}

// FindCandidates resolves a selector to all matching elements. A selector
// that matches nothing is not an error; the executor logs it as not_found.
func (d *Driver) FindCandidates(ctx context.Context, selector string) ([]drive.Element, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: find %q: %w", selector, err)
	}
	out := make([]drive.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &element{el: el, selector: selector})
	}
	return out, nil
}

// IsInteractable reports whether the element is visible and not obscured.
// Rod's Interactable errors when the element is covered or detached; that
// is a "no", not a failure.
func (d *Driver) IsInteractable(ctx context.Context, el drive.Element) (bool, error) {
	e, ok := el.(*element)
	if !ok {
		return false, fmt.Errorf("browser: foreign element %T", el)
	}

	visible, err := e.el.Context(ctx).Visible()
	if err != nil || !visible {
		return false, nil
	}
	if _, err := e.el.Context(ctx).Interactable(); err != nil {
		return false, nil
	}
	return true, nil
}

// Act performs the route action on the element. The action set is closed;
// anything else is rejected.
func (d *Driver) Act(ctx context.Context, el drive.Element, action drive.ActionType, value string) error {
	e, ok := el.(*element)
	if !ok {
		return fmt.Errorf("browser: foreign element %T", el)
	}
	rel := e.el.Context(ctx)

	switch action {
	case drive.ActionClick, drive.ActionSubmit:
		if err := rel.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("browser: click %q: %w", e.selector, err)
		}
	case drive.ActionInput:
		if err := rel.SelectAllText(); err == nil {
			// Best effort: clearing stale text is not always possible.
			_ = rel.Input("")
		}
		if err := rel.Input(value); err != nil {
			return fmt.Errorf("browser: input %q: %w", e.selector, err)
		}
	case drive.ActionSelect:
		if err := rel.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
			return fmt.Errorf("browser: select %q on %q: %w", value, e.selector, err)
		}
	default:
		return fmt.Errorf("browser: unknown action %q", action)
	}
	return nil
}

// CurrentURL returns the page URL, or "" when the page is gone.
func (d *Driver) CurrentURL() string {
	info, err := d.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// CaptureEvidence screenshots the page into the evidence directory and
// returns the file path for the step log.
func (d *Driver) CaptureEvidence(ctx context.Context) (string, error) {
	if d.evidenceDir == "" {
		return "", fmt.Errorf("browser: evidence capture disabled")
	}

	data, err := d.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return "", fmt.Errorf("browser: screenshot: %w", err)
	}

	if err := os.MkdirAll(d.evidenceDir, 0o755); err != nil {
		return "", fmt.Errorf("browser: evidence dir: %w", err)
	}
	path := filepath.Join(d.evidenceDir, d.newRef()+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("browser: write evidence: %w", err)
	}

	d.logger.Debug("browser: evidence captured", "path", path)
	return path, nil
}

// Close closes the underlying page.
func (d *Driver) Close() error {
	return d.page.Close()
}
