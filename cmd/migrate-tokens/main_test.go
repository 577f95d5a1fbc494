package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hamtaryo-san/twitch-chat-collector/crypto"
	"github.com/hamtaryo-san/twitch-chat-collector/db"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := crypto.New(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func TestMigrateTokensEncryptsPlaintextRows(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	cipher := testCipher(t)

	provider := "migrate-test"
	_, err := database.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, encryption_version)
		 VALUES($1, 'plain-access', 'plain-refresh', 0)
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token='plain-access', refresh_token='plain-refresh', encryption_version=0`,
		provider)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Dry run must not change the row.
	if _, err := migrateTokens(ctx, database, cipher, true); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	var version int
	var access string
	if err := database.QueryRowContext(ctx,
		`SELECT encryption_version, access_token FROM oauth_tokens WHERE provider=$1`, provider).Scan(&version, &access); err != nil {
		t.Fatalf("select after dry run: %v", err)
	}
	if version != 0 || access != "plain-access" {
		t.Fatalf("dry run modified row: version=%d access=%q", version, access)
	}

	migrated, err := migrateTokens(ctx, database, cipher, false)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if migrated < 1 {
		t.Fatalf("migrated %d rows, want at least 1", migrated)
	}
	if err := database.QueryRowContext(ctx,
		`SELECT encryption_version, access_token FROM oauth_tokens WHERE provider=$1`, provider).Scan(&version, &access); err != nil {
		t.Fatalf("select after migrate: %v", err)
	}
	if version != 1 {
		t.Errorf("encryption_version = %d, want 1", version)
	}
	if access == "plain-access" {
		t.Errorf("access token still plaintext after migration")
	}
	decrypted, err := cipher.DecryptString(access)
	if err != nil {
		t.Fatalf("decrypt migrated token: %v", err)
	}
	if decrypted != "plain-access" {
		t.Errorf("decrypted %q, want plain-access", decrypted)
	}

	// A second pass must find nothing to do for this row.
	if _, err := migrateTokens(ctx, database, cipher, false); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
