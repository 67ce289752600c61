package textrazor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/humanmade/entity-base/config"
	"github.com/humanmade/entity-base/models"
	"github.com/humanmade/entity-base/providers"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// Client calls the TextRazor analysis API.
type Client struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewClient creates a new TextRazor client.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{Config: cfg, Logger: logger}
}

// Name returns the name of the analysis backend.
func (c *Client) Name() string {
	return "textrazor"
}

// apiResponse mirrors the subset of the TextRazor response we consume. An
// error field set by the service is reported as a call failure.
type apiResponse struct {
	Response struct {
		Entities []models.CandidateEntity `json:"entities"`
	} `json:"response"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Analyze submits the text payload for entity extraction.
func (c *Client) Analyze(ctx context.Context, text string) (*models.AnalysisResult, error) {
	if c.Config.TextRazorAPIKey == "" {
		return nil, providers.ErrMissingAPIKey
	}

	form := url.Values{}
	form.Set("text", text)
	form.Set("extractors", c.Config.TextRazorExtractors)
	if c.Config.TextRazorClassifiers != "" {
		form.Set("classifiers", c.Config.TextRazorClassifiers)
	}
	if c.Config.TextRazorLanguage != "" {
		form.Set("languageOverride", c.Config.TextRazorLanguage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Config.TextRazorBaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-TextRazor-Key", c.Config.TextRazorAPIKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading analysis response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis service returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding analysis response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("analysis service error: %s", decoded.Error)
	}

	c.Logger.Debug("Analysis call completed",
		zap.Int("entities", len(decoded.Response.Entities)),
		zap.Int("payload_bytes", len(text)),
	)

	return &models.AnalysisResult{Entities: decoded.Response.Entities}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
