// Package seed bootstraps reference data so a fresh install is usable
// without manual setup.
package seed

import (
	"context"
	"errors"
	"time"

	quotadomain "github.com/User159951/intellipm/internal/quota/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// EnsureDefaultTiers seeds the built-in quota tiers. Existing tiers are left
// untouched so operator edits survive restarts.
func EnsureDefaultTiers(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	defaults := []quotadomain.QuotaTier{
		{
			Name:                  "free",
			MaxTokensPerPeriod:    100_000,
			MaxRequestsPerPeriod:  200,
			MaxDecisionsPerPeriod: 100,
			MaxCostPerPeriod:      5,
			AlertThresholdPct:     80,
		},
		{
			Name:                  "pro",
			MaxTokensPerPeriod:    2_000_000,
			MaxRequestsPerPeriod:  5_000,
			MaxDecisionsPerPeriod: 2_500,
			MaxCostPerPeriod:      100,
			AlertThresholdPct:     80,
		},
		{
			Name:                  "enterprise",
			MaxTokensPerPeriod:    20_000_000,
			MaxRequestsPerPeriod:  50_000,
			MaxDecisionsPerPeriod: 25_000,
			MaxCostPerPeriod:      2_000,
			AllowOverage:          true,
			OverageRate:           0.02,
			AlertThresholdPct:     90,
		},
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tier := range defaults {
			var existing quotadomain.QuotaTier
			err := tx.Where("name = ?", tier.Name).First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			now := time.Now().UTC()
			tier.ID = node.Generate()
			tier.CreatedAt = now
			tier.UpdatedAt = now
			if err := tx.Create(&tier).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
