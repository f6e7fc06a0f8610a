package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadGovernanceFile overlays governance tunables from an optional
// governance.yaml in the working directory or GOVERNANCE_CONFIG path.
// Missing file means the defaults stand.
func LoadGovernanceFile(base Governance) Governance {
	v := viper.New()
	v.SetConfigType("yaml")

	if path := strings.TrimSpace(os.Getenv("GOVERNANCE_CONFIG")); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("governance")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/intellipm")
	}

	if err := v.ReadInConfig(); err != nil {
		return base
	}

	out := base
	if d := v.GetDuration("approval.expiry_window"); d > 0 {
		out.ApprovalExpiryWindow = d
	}
	if n := v.GetInt("quota.default_reset_day"); n >= 1 && n <= 28 {
		out.DefaultResetDay = n
	}
	if d := v.GetDuration("outbox.poll_interval"); d > 0 {
		out.OutboxPollInterval = d
	}
	if f := v.GetFloat64("outbox.poll_jitter_pct"); f > 0 && f < 1 {
		out.OutboxPollJitterPct = f
	}
	if n := v.GetInt("outbox.batch_size"); n > 0 {
		out.OutboxBatchSize = n
	}
	if n := v.GetInt("outbox.max_attempts"); n > 0 {
		out.OutboxMaxAttempts = n
	}
	if d := v.GetDuration("outbox.lease_ttl"); d > 0 {
		out.OutboxLeaseTTL = d
	}
	if d := v.GetDuration("outbox.delivery_timeout"); d > 0 {
		out.DeliveryTimeout = d
	}
	if d := v.GetDuration("agent.invoke_timeout"); d > 0 {
		out.InvokeTimeout = d
	}
	if d := v.GetDuration("scheduler.interval"); d > 0 {
		out.SchedulerInterval = d
	}
	if n := v.GetInt("scheduler.sweep_batch_size"); n > 0 {
		out.SweepBatchSize = n
	}
	return out
}
