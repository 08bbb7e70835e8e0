// Package nli provides a client for a cross-encoder NLI inference server.
// The server scores a (premise, hypothesis) pair with raw logits for the
// contradiction, entailment and neutral classes.
package nli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"omni-agent-go/internal/config"
	"strings"
)

// Label order used by Scores.
const (
	Contradiction = 0
	Entailment    = 1
	Neutral       = 2
)

var labelIndex = map[string]int{
	"contradiction": Contradiction,
	"entailment":    Entailment,
	"neutral":       Neutral,
}

// Client talks to a text-embeddings-inference compatible /predict endpoint.
type Client struct {
	serverURL string
	apiKey    string
	client    *http.Client
}

// NewClient creates a new NLI client.
func NewClient(cfg config.NLIConfig) *Client {
	return &Client{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:    cfg.APIKey,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

type predictRequest struct {
	Inputs    [][2]string `json:"inputs"`
	RawScores bool        `json:"raw_scores"`
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Scores returns the raw logits ordered as contradiction, entailment, neutral.
func (c *Client) Scores(ctx context.Context, premise, hypothesis string) ([]float64, error) {
	body, err := json.Marshal(predictRequest{Inputs: [][2]string{{premise, hypothesis}}, RawScores: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal nli request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create nli request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call nli server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("nli server returned %s: %s", resp.Status, string(b))
	}

	var results [][]labelScore
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode nli response: %w", err)
	}
	if len(results) == 0 || len(results[0]) != 3 {
		return nil, fmt.Errorf("unexpected nli response shape")
	}

	scores := make([]float64, 3)
	for pos, ls := range results[0] {
		idx, ok := labelIndex[strings.ToLower(ls.Label)]
		if !ok {
			// 未知标签时按服务端返回顺序
			idx = pos
		}
		scores[idx] = ls.Score
	}
	return scores, nil
}
