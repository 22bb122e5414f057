package store

import (
	"context"
	"time"

	"github.com/mrcode/nightscout-loop/internal/models"
)

// Interface is the full set of store operations. The app holds its store
// through it; the loop and the increment preference take the narrower
// SuggestionStore and BlobStore views.
type Interface interface {
	Close() error

	// --- Suggestions ---

	// SaveSuggestion inserts or restamps a suggestion
	SaveSuggestion(ctx context.Context, sg *models.Suggestion) error

	// LatestSuggestion returns the newest suggestion or ErrNotFound
	LatestSuggestion(ctx context.Context) (*models.Suggestion, error)

	// Suggestions lists suggestions since a time, newest first
	Suggestions(ctx context.Context, since time.Time, limit int) ([]models.Suggestion, error)

	// --- Settings blobs ---

	GetSetting(ctx context.Context, key string) ([]byte, bool, error)
	PutSetting(ctx context.Context, key string, value []byte) error
}

var _ Interface = (*Store)(nil)
