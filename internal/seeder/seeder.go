// Package seeder bootstraps local development: the database schema and a
// well-known test API key.
package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/averis-ai/dispatch/internal/auth"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the gateway tables if they do not exist.
func EnsureSchema(ctx context.Context, db execer) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			rate_limit BIGINT NOT NULL DEFAULT 100000,
			byo_key BOOLEAN NOT NULL DEFAULT false,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL,
			request_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			iterations INT NOT NULL DEFAULT 0,
			byo_key BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_tenant_created
			ON usage_logs (tenant_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("seeder: schema bootstrap failed: %w", err)
		}
	}
	return nil
}

// SeedTestAPIKey inserts the development key, ignoring duplicates.
func SeedTestAPIKey(ctx context.Context, store auth.Store) {
	h := sha256.New()
	h.Write([]byte(TestAPIKey))
	keyHash := hex.EncodeToString(h.Sum(nil))

	apiKey := &auth.APIKey{
		TenantID:  TestTenantID,
		KeyHash:   keyHash,
		RateLimit: 1000000,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		log.Printf("[Seeder] API key may already exist, skipping: %v", err)
		return
	}
	log.Printf("[Seeder] Test API key created successfully")
	log.Printf("[Seeder] Key: %s", TestAPIKey)
	log.Printf("[Seeder] TenantID: %s", TestTenantID)
}
