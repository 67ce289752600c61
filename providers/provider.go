package providers

import (
	"context"
	"errors"

	"github.com/humanmade/entity-base/models"
)

// ErrMissingAPIKey is returned when the analysis service is called without a
// configured credential. Surfaced immediately to the caller, never cached.
var ErrMissingAPIKey = errors.New("analysis API key is not configured")

// Analyzer is the interface an entity analysis backend must implement.
type Analyzer interface {
	// Analyze submits text to the analysis service and returns the candidate
	// entities found in it.
	Analyze(ctx context.Context, text string) (*models.AnalysisResult, error)

	// Name returns the unique name of the backend (e.g. "textrazor").
	Name() string
}
