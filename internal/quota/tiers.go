// ABOUTME: Built-in subscription tier presets exposed by initialize
// ABOUTME: Admin layers may seed subscriptions from these ceilings

package quota

// TierPreset is a named set of subscription ceilings.
type TierPreset struct {
	Tier          string `json:"tier"`
	MaxTokens     int64  `json:"max_tokens"`
	MaxRequests   int64  `json:"max_requests"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// TierPresets returns the built-in tiers in ascending order.
func TierPresets() []TierPreset {
	return []TierPreset{
		{Tier: "free", MaxTokens: 50_000, MaxRequests: 200, MaxConcurrent: 1},
		{Tier: "pro", MaxTokens: 2_000_000, MaxRequests: 5_000, MaxConcurrent: 4},
		{Tier: "enterprise", MaxTokens: 50_000_000, MaxRequests: 100_000, MaxConcurrent: 32},
	}
}
