package lcm

import "github.com/martian-engineering/lcm/internal/lcmtoken"

// EstimateTokens re-exports the shared estimator so callers outside
// internal/lcmstore don't need to import lcmtoken directly.
func EstimateTokens(content string) int {
	return lcmtoken.Estimate(content)
}
