package transform

// Strategy names an image-enhancement pipeline with an associated timeout
// multiplier. Strategies form an ordered ladder; the orchestrator walks it
// from cheapest to most aggressive until recognition succeeds.
type Strategy string

const (
	Standard        Strategy = "standard"
	Enhanced        Strategy = "enhanced"
	Aggressive      Strategy = "aggressive"
	SuperAggressive Strategy = "super_aggressive"
)

// Multiplier scales the base recognition timeout for this strategy.
// Multipliers are non-decreasing across the ladder: later strategies get
// equal or more time.
func (s Strategy) Multiplier() float64 {
	switch s {
	case Aggressive:
		return 1.5
	case SuperAggressive:
		return 2.0
	default:
		return 1.0
	}
}

// Ladder returns the ordered strategy list. SuperAggressive is included
// only when includeSuper is set; it is reserved for images the quality
// heuristic flags as high-difficulty.
func Ladder(includeSuper bool) []Strategy {
	ladder := []Strategy{Standard, Enhanced, Aggressive}
	if includeSuper {
		ladder = append(ladder, SuperAggressive)
	}
	return ladder
}
