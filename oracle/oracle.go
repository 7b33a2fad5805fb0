// Package oracle provides decision-oracle implementations for the drive
// executor's escalation path. The executor only depends on the
// drive.Oracle contract; which implementation answers — a remote model or
// a local heuristic — is a wiring decision.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/redrive/drive"
)

// HTTPOracle asks a remote suggestion endpoint. The request/response wire
// shapes mirror the drive types one to one; the endpoint is typically an
// LLM gateway but the client neither knows nor cares.
type HTTPOracle struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// HTTPOptions configures an HTTPOracle.
type HTTPOptions struct {
	// Timeout bounds the whole suggestion round trip. Default: 20s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewHTTP creates an HTTPOracle for the given endpoint.
func NewHTTP(endpoint string, opts HTTPOptions) *HTTPOracle {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HTTPOracle{
		endpoint: endpoint,
		client:   &http.Client{Timeout: opts.Timeout},
		logger:   opts.Logger,
	}
}

type wireQuery struct {
	DOMSummary string          `json:"dom_summary"`
	Context    string          `json:"context"`
	Candidates []wireCandidate `json:"candidate_elements"`
}

type wireCandidate struct {
	Selector string `json:"selector"`
	Summary  string `json:"summary"`
}

type wireSuggestion struct {
	SuggestedSelector string   `json:"suggested_selector"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
	Alternatives      []string `json:"alternative_selectors"`
}

// Suggest posts the query and decodes the suggestion.
func (o *HTTPOracle) Suggest(ctx context.Context, q drive.Query) (drive.Suggestion, error) {
	wq := wireQuery{DOMSummary: q.DOMSummary, Context: q.Context}
	for _, c := range q.Candidates {
		wq.Candidates = append(wq.Candidates, wireCandidate{Selector: c.Selector, Summary: c.Summary})
	}
	body, err := json.Marshal(wq)
	if err != nil {
		return drive.Suggestion{}, fmt.Errorf("oracle: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return drive.Suggestion{}, fmt.Errorf("oracle: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return drive.Suggestion{}, fmt.Errorf("oracle: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return drive.Suggestion{}, fmt.Errorf("oracle: status %d: %s", resp.StatusCode, string(b))
	}

	var ws wireSuggestion
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return drive.Suggestion{}, fmt.Errorf("oracle: decode: %w", err)
	}

	o.logger.Debug("oracle: suggestion received",
		"selector", ws.SuggestedSelector, "confidence", ws.Confidence)
	return drive.Suggestion{
		SuggestedSelector: ws.SuggestedSelector,
		Confidence:        ws.Confidence,
		Reasoning:         ws.Reasoning,
		Alternatives:      ws.Alternatives,
	}, nil
}

// Heuristic is the offline fallback oracle: it scores the candidates the
// routes already saw and suggests the most specific one. Confidence stays
// deliberately modest — a static heuristic should rarely outrank a human.
type Heuristic struct {
	// Keywords boost candidates whose summary mentions them (e.g.
	// "submit", "confirmar"). Matching is case-insensitive.
	Keywords []string
}

// Suggest picks the best-scoring known candidate.
func (h *Heuristic) Suggest(_ context.Context, q drive.Query) (drive.Suggestion, error) {
	if len(q.Candidates) == 0 {
		return drive.Suggestion{}, fmt.Errorf("oracle: no candidates to score")
	}

	best := -1
	bestScore := 0.0
	for i, c := range q.Candidates {
		score := 0.3
		if strings.HasPrefix(c.Selector, "#") {
			score += 0.3 // an ID selector is the most stable anchor
		}
		summary := strings.ToLower(c.Summary)
		for _, kw := range h.Keywords {
			if strings.Contains(summary, strings.ToLower(kw)) {
				score += 0.2
				break
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if bestScore > 0.8 {
		bestScore = 0.8
	}

	var alts []string
	for i, c := range q.Candidates {
		if i != best {
			alts = append(alts, c.Selector)
		}
	}
	return drive.Suggestion{
		SuggestedSelector: q.Candidates[best].Selector,
		Confidence:        bestScore,
		Reasoning:         "static heuristic: most specific candidate already observed on page",
		Alternatives:      alts,
	}, nil
}
