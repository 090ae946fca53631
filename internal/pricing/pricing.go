// Package pricing implements the deterministic, versioned pricing engine.
// Pure functions only: no I/O, no clock reads beyond what the caller passes
// in. Given the same (configVersion, computeCostUsd, serviceName, userTier)
// it returns byte-identical output, which is the property §8 requires.
package pricing

import (
	"math"

	"github.com/noema/forge/internal/store"
)

// ConfigVersion is stamped into every generation record. Bump this whenever
// the multiplier table changes; never mutate an existing version's numbers
// in place.
const ConfigVersion = "pricing-v1"

// PointsPerUSD is the fixed conversion rate: 1 USD = 2800 points.
const PointsPerUSD int64 = 2800

// tierOverrides overrides the base multiplier for a (service, tier) pair.
// Absent from the table ⇒ no override, base multiplier applies.
type tierOverrides map[store.UserTier]float64

// serviceMultiplier is the base multiplier for serviceName plus any
// per-tier overrides (e.g. the MS2 discount).
type serviceMultiplier struct {
	base      float64
	overrides tierOverrides
}

// multiplierTable is the versioned, immutable pricing table for
// ConfigVersion. Services not present here default to multiplier 1.0.
var multiplierTable = map[string]serviceMultiplier{
	"comfyui": {
		base: 3.0,
		overrides: tierOverrides{
			store.TierMS2: 2.0,
		},
	},
	"dalle": {
		base: 2.5,
		overrides: tierOverrides{
			store.TierMS2: 1.75,
		},
	},
	"openai-chat": {
		base: 1.5,
		overrides: tierOverrides{
			store.TierMS2: 1.2,
		},
	},
	"vastai-training": {
		base: 1.8,
		overrides: tierOverrides{
			store.TierMS2: 1.4,
		},
	},
	// "string" and any other unlisted serviceName fall through to 1.0.
}

// Quote is the pricing engine's output for a single generation.
type Quote struct {
	Multiplier      float64
	PlatformFeeUsd  store.Micros
	FinalCostUsd    store.Micros
	TotalPoints     int64
	Tier            store.UserTier
	ConfigVersion   string
}

// ComputeQuote computes the final charge for a realised compute cost. computeCostUsd
// is the already-measured cost (from duration × rate, token count × rate, or
// a flat per-run amount) — this function does no unit conversion of its own.
func ComputeQuote(computeCostUsd store.Micros, serviceName string, tier store.UserTier) Quote {
	multiplier := resolveMultiplier(serviceName, tier)

	finalCostUsd := store.Micros(math.Round(float64(computeCostUsd) * multiplier))
	platformFeeUsd := finalCostUsd - computeCostUsd
	totalPoints := int64(math.Ceil(finalCostUsd.USD() * float64(PointsPerUSD)))

	return Quote{
		Multiplier:     multiplier,
		PlatformFeeUsd: platformFeeUsd,
		FinalCostUsd:   finalCostUsd,
		TotalPoints:    totalPoints,
		Tier:           tier,
		ConfigVersion:  ConfigVersion,
	}
}

func resolveMultiplier(serviceName string, tier store.UserTier) float64 {
	entry, ok := multiplierTable[serviceName]
	if !ok {
		return 1.0
	}
	if override, ok := entry.overrides[tier]; ok {
		return override
	}
	return entry.base
}

// ComputeCost derives computeCostUsd from a tool's costing model and the
// generation's realised measurements (duration, token count, or nothing for
// a flat per-run charge).
func ComputeCost(model store.CostingModel, durationMs int64, tokenCount int64) store.Micros {
	if model.Kind != "dynamic" {
		return model.Amount
	}
	switch model.Unit {
	case store.UnitSecond:
		seconds := float64(durationMs) / 1000.0
		return store.Micros(math.Round(float64(model.Rate) * seconds))
	case store.UnitToken:
		return store.Micros(math.Round(float64(model.Rate) * float64(tokenCount)))
	case store.UnitRun:
		return model.Rate
	default:
		return model.Rate
	}
}
