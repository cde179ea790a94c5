// Package trends scores raw trend signals and keeps a TTL-bounded cache of them.
package trends

import (
	"context"
	"fmt"

	"github.com/rewired-gh/trendpilot/internal/models"
)

// Source fetches raw trends from an external provider.
type Source interface {
	// Name is the source tag used in trend identifiers, e.g. "twitter".
	Name() string
	FetchTrends(ctx context.Context) ([]models.Trend, error)
}

// FetchError reports that the trend source was unreachable, timed out, or
// returned malformed data.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch trends from %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
