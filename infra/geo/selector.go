package geo

import "github.com/routa/dispatch/core/model"

// RadiusSelector filters broadcast candidates by great-circle distance using
// the positions the pool already holds. It serves as the selector when the
// Redis mirror is disabled but a broadcast radius is configured, and as the
// fallback when Redis is unreachable.
type RadiusSelector struct {
	RadiusKm float64
}

// SelectRecipients keeps candidates within RadiusKm of the pickup point.
func (s RadiusSelector) SelectRecipients(pickup model.Position, candidates []model.Driver) []model.Driver {
	if s.RadiusKm <= 0 {
		return candidates
	}
	res := candidates[:0:0]
	for _, d := range candidates {
		if pickup.DistanceKm(d.Position) <= s.RadiusKm {
			res = append(res, d)
		}
	}
	return res
}
