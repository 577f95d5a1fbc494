// Command migrate-tokens encrypts stored OAuth tokens in place. It rewrites
// every oauth_tokens row with encryption_version=0 (plaintext) to version=1
// (AES-256-GCM), for deployments that enable ENCRYPTION_KEY after first run.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Environment:
//
//	DB_DSN          Database connection string (required)
//	ENCRYPTION_KEY  Base64-encoded 32-byte key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hamtaryo-san/twitch-chat-collector/crypto"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	cipher, err := crypto.New(key)
	if err != nil {
		slog.Error("failed to initialize cipher", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	migrated, err := migrateTokens(ctx, database, cipher, *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed", slog.Int("rows", migrated), slog.Bool("dry_run", *dryRun))
}

// migrateTokens encrypts all plaintext rows and returns how many it touched.
func migrateTokens(ctx context.Context, database *sql.DB, cipher *crypto.Cipher, dryRun bool) (int, error) {
	rows, err := database.QueryContext(ctx,
		`SELECT provider, access_token, refresh_token FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()

	type row struct {
		provider, access, refresh string
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.provider, &r.access, &r.refresh); err != nil {
			return 0, fmt.Errorf("scan token row: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}

	migrated := 0
	for _, r := range pending {
		slog.Info("migrating token row", slog.String("provider", r.provider))
		if dryRun {
			migrated++
			continue
		}
		encAccess, err := cipher.EncryptString(r.access)
		if err != nil {
			return migrated, fmt.Errorf("encrypt access token for %s: %w", r.provider, err)
		}
		encRefresh, err := cipher.EncryptString(r.refresh)
		if err != nil {
			return migrated, fmt.Errorf("encrypt refresh token for %s: %w", r.provider, err)
		}
		_, err = database.ExecContext(ctx,
			`UPDATE oauth_tokens
			 SET access_token=$2, refresh_token=$3, encryption_version=1, encryption_key_id='default', updated_at=NOW()
			 WHERE provider=$1 AND COALESCE(encryption_version, 0) = 0`,
			r.provider, encAccess, encRefresh)
		if err != nil {
			return migrated, fmt.Errorf("update token row for %s: %w", r.provider, err)
		}
		migrated++
	}
	return migrated, nil
}
