package position

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// checkExit applies the exit rules in order and returns the first match,
// or nil to hold.
func checkExit(p domain.Position, z, exitThreshold float64, forceBefore time.Duration, now time.Time) *domain.ExitReason {
	zp := &z
	switch {
	case math.Abs(z) <= exitThreshold:
		return &domain.ExitReason{
			Code:        domain.ExitMeanReversion,
			Description: fmt.Sprintf("z-score normalised to %.2f", z),
			ZScore:      zp,
		}
	case p.Direction == domain.DirectionNo && z < -exitThreshold,
		p.Direction == domain.DirectionYes && z > exitThreshold:
		return &domain.ExitReason{
			Code:        domain.ExitOverCorrection,
			Description: fmt.Sprintf("price over-corrected (z=%.2f)", z),
			ZScore:      zp,
		}
	}

	tte := p.SecondsToExpiry(now)
	switch {
	case tte <= int64(forceBefore/time.Second):
		return &domain.ExitReason{
			Code:        domain.ExitTimeExpiry,
			Description: fmt.Sprintf("only %ds until market expiry", tte),
			ZScore:      zp,
		}
	case tte <= 0:
		return &domain.ExitReason{
			Code:        domain.ExitMarketClosed,
			Description: "market has expired",
			ZScore:      zp,
		}
	}
	return nil
}
