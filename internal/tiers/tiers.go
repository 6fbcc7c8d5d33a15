package tiers

import (
	"errors"
	"fmt"
	"sort"

	"github.com/crosslogic/metering/pkg/models"
)

// TopUpValidityMonths is how long a purchased top-up pack stays usable.
const TopUpValidityMonths = 12

// ErrUnknownTier is returned by Parse for values outside the tier table.
var ErrUnknownTier = errors.New("unknown tier")

// Config describes the limits and prices of a tier. Prices are in cents.
type Config struct {
	Tier         models.Tier
	MonthlyQuota int
	MaxProfiles  int
	PriceMonthly int64
	TopUpPrice   int64
	TopUpAmount  int
}

// UpgradeOption is what a rejected caller is offered instead of its current tier.
type UpgradeOption struct {
	Tier         models.Tier `json:"tier"`
	MonthlyQuota int         `json:"monthlyQuota"`
	PriceMonthly int64       `json:"priceMonthly"`
}

var table = map[models.Tier]Config{
	models.TierFree: {
		Tier:         models.TierFree,
		MonthlyQuota: 50,
		MaxProfiles:  1,
	},
	models.TierPlus: {
		Tier:         models.TierPlus,
		MonthlyQuota: 500,
		MaxProfiles:  1,
		PriceMonthly: 999,
		TopUpPrice:   499,
		TopUpAmount:  100,
	},
	models.TierFamily: {
		Tier:         models.TierFamily,
		MonthlyQuota: 1500,
		MaxProfiles:  4,
		PriceMonthly: 1999,
		TopUpPrice:   499,
		TopUpAmount:  100,
	},
	models.TierPro: {
		Tier:         models.TierPro,
		MonthlyQuota: 3000,
		MaxProfiles:  6,
		PriceMonthly: 2999,
		TopUpPrice:   999,
		TopUpAmount:  250,
	},
}

// FreeQuota is the monthly allowance used when nothing better is known.
var FreeQuota = table[models.TierFree].MonthlyQuota

// Lookup returns the configuration of a tier, defaulting to free for unknown tiers.
func Lookup(tier models.Tier) Config {
	if cfg, ok := table[tier]; ok {
		return cfg
	}
	return table[models.TierFree]
}

// Parse validates a raw tier name.
func Parse(raw string) (models.Tier, error) {
	t := models.Tier(raw)
	if _, ok := table[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, raw)
	}
	return t, nil
}

// All returns every tier ordered by monthly price.
func All() []Config {
	out := make([]Config, 0, len(table))
	for _, cfg := range table {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceMonthly == out[j].PriceMonthly {
			return out[i].MonthlyQuota < out[j].MonthlyQuota
		}
		return out[i].PriceMonthly < out[j].PriceMonthly
	})
	return out
}

// UpgradeOptions lists all tiers except current, cheapest first.
func UpgradeOptions(current models.Tier) []UpgradeOption {
	var opts []UpgradeOption
	for _, cfg := range All() {
		if cfg.Tier == current {
			continue
		}
		opts = append(opts, UpgradeOption{
			Tier:         cfg.Tier,
			MonthlyQuota: cfg.MonthlyQuota,
			PriceMonthly: cfg.PriceMonthly,
		})
	}
	return opts
}
