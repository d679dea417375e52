// Package readiness computes when an ingested document may be queried.
//
// Everything here is a pure function of raw counters. The thresholds are
// product decisions that polling clients rely on, so they are kept exact.
package readiness

import (
	"math"

	"github.com/feichai0017/document-context/internal/models"
)

const (
	DefaultPartsCap       = 5
	DefaultSecondsPerPart = 2

	minRetryAfter = 1
	maxRetryAfter = 5
	minEstimate   = 2
)

// Config holds the tunables of the readiness formulas.
type Config struct {
	PartsCap       int
	SecondsPerPart int
}

// DefaultConfig returns cap 5 and 2 seconds per part.
func DefaultConfig() Config {
	return Config{PartsCap: DefaultPartsCap, SecondsPerPart: DefaultSecondsPerPart}
}

// RequiredParts is clamp(1, ceil(pages/2), cap).
func RequiredParts(pagesIndexed, partsCap int) int {
	if partsCap < 1 {
		partsCap = 1
	}
	half := (pagesIndexed + 1) / 2
	return clamp(1, half, partsCap)
}

// PercentReady is min(100, round(parts/required*100)); 100 when nothing is required.
func PercentReady(parts, required int) int {
	if required == 0 {
		return 100
	}
	pct := int(math.Round(float64(parts) / float64(required) * 100))
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// IsReady requires the terminal ready state and enough indexed parts.
func IsReady(status models.ReadinessState, parts, required int) bool {
	return status == models.StateReady && parts >= required
}

// RetryAfterSeconds is clamp(1, required-parts, 5).
func RetryAfterSeconds(parts, required int) int {
	return clamp(minRetryAfter, required-parts, maxRetryAfter)
}

// EstimatedTimeSeconds is 0 when nothing remains, else max(2, remaining*secPerPart).
func EstimatedTimeSeconds(parts, required, secPerPart int) int {
	remaining := required - parts
	if remaining <= 0 {
		return 0
	}
	est := remaining * secPerPart
	if est < minEstimate {
		return minEstimate
	}
	return est
}

// Report is the polling view of a ReadinessStatus.
type Report struct {
	Status               models.ReadinessState `json:"status"`
	PartsIndexed         int                   `json:"partsIndexed"`
	PagesIndexed         int                   `json:"pagesIndexed"`
	RequiredParts        int                   `json:"requiredParts"`
	PercentReady         int                   `json:"percentReady"`
	IsReady              bool                  `json:"isReady"`
	RetryAfterSeconds    int                   `json:"retryAfterSeconds"`
	EstimatedTimeSeconds int                   `json:"estimatedTimeSeconds"`
}

// Summarize derives every readiness figure from the raw counters.
func Summarize(status models.ReadinessState, parts, pagesIndexed int, cfg Config) Report {
	if cfg.PartsCap < 1 {
		cfg.PartsCap = DefaultPartsCap
	}
	if cfg.SecondsPerPart < 1 {
		cfg.SecondsPerPart = DefaultSecondsPerPart
	}
	required := RequiredParts(pagesIndexed, cfg.PartsCap)
	return Report{
		Status:               status,
		PartsIndexed:         parts,
		PagesIndexed:         pagesIndexed,
		RequiredParts:        required,
		PercentReady:         PercentReady(parts, required),
		IsReady:              IsReady(status, parts, required),
		RetryAfterSeconds:    RetryAfterSeconds(parts, required),
		EstimatedTimeSeconds: EstimatedTimeSeconds(parts, required, cfg.SecondsPerPart),
	}
}

func clamp(lo, v, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
