// Command migrate-cookies encrypts plaintext platform session cookie rows in
// place. Run once when enabling ENCRYPTION_KEY on an existing deployment; rows
// written after the key is set are encrypted on the way in.
//
// Environment variables:
//
//	DB_DSN          Database connection string (required)
//	ENCRYPTION_KEY  Base64-encoded 32-byte key (required)
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/cast-tender/db"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if os.Getenv("ENCRYPTION_KEY") == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}

	database, err := db.Connect(os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	migrated, err := db.MigratePlaintextCookies(ctx, database)
	if err != nil {
		slog.Error("cookie migration failed", slog.Any("err", err), slog.Int("migrated", migrated))
		os.Exit(1)
	}
	slog.Info("cookie migration complete", slog.Int("migrated", migrated))
}
