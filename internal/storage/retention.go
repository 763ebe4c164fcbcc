package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds table TTLs. Zero leaves a table unbounded.
// Transactions are never expired here; they are the system of record.
type RetentionConfig struct {
	LoginsTTL     time.Duration `yaml:"logins_ttl"`
	QuarantineTTL time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig keeps logins for a year and quarantine for 30 days.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		LoginsTTL:     365 * 24 * time.Hour,
		QuarantineTTL: 30 * 24 * time.Hour,
	}
}

type retentionPolicy struct {
	table  string
	column string
	days   int
}

func (c RetentionConfig) policies() []retentionPolicy {
	var out []retentionPolicy
	add := func(table, column string, ttl time.Duration) {
		if ttl <= 0 {
			return
		}
		days := int(ttl.Hours() / 24)
		if days < 1 {
			days = 1
		}
		out = append(out, retentionPolicy{table, column, days})
	}
	add("logins", "toDateTime(login_at)", c.LoginsTTL)
	add("feed_quarantine", "toDateTime(quarantined_at)", c.QuarantineTTL)
	return out
}

// ApplyRetention sets TTLs on the configured tables. Failures are logged and
// skipped so a missing table does not block startup.
func ApplyRetention(ctx context.Context, client *ClickHouseClient, cfg RetentionConfig) int {
	applied := 0
	for _, p := range cfg.policies() {
		query := fmt.Sprintf("ALTER TABLE %s MODIFY TTL %s + INTERVAL %d DAY DELETE",
			sanitizeIdentifier(p.table), p.column, p.days)

		if err := client.Exec(ctx, query); err != nil {
			slog.Warn("failed to apply retention policy", "table", p.table, "ttl_days", p.days, "error", err)
			continue
		}
		slog.Info("applied retention policy", "table", p.table, "ttl_days", p.days)
		applied++
	}
	return applied
}
