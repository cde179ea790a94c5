package trends

import (
	"math"

	"github.com/rewired-gh/trendpilot/internal/models"
)

// DefaultVolumeCeiling is the volume at which a trend scores 1.0.
const DefaultVolumeCeiling = 10000

// Scorer maps a raw trend to a score in [0,1]. Implementations must be pure,
// total, and monotonic non-decreasing in volume.
type Scorer interface {
	Score(trend models.Trend) float64
}

// VolumeScorer normalizes volume by a fixed ceiling.
type VolumeScorer struct {
	Ceiling float64
}

func NewVolumeScorer(ceiling float64) VolumeScorer {
	if ceiling <= 0 {
		ceiling = DefaultVolumeCeiling
	}
	return VolumeScorer{Ceiling: ceiling}
}

func (s VolumeScorer) Score(trend models.Trend) float64 {
	v := trend.VolumeOrZero()
	if v <= 0 {
		return 0
	}
	ceiling := s.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultVolumeCeiling
	}
	return clamp(float64(v)/ceiling, 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}
