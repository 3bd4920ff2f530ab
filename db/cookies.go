package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Platform session cookies (the logged-in browser session used for
// authenticated API calls) are stored encrypted at rest when ENCRYPTION_KEY
// is configured. encryption_version distinguishes plaintext legacy rows (0)
// from AES-256-GCM rows (1) so both can coexist during migration.

const cookieEncryptionVersion = 1

// SavePlatformCookies stores the cookie header for an account, encrypting when
// a key is configured.
func SavePlatformCookies(ctx context.Context, db *sql.DB, accountID, cookies string) error {
	enc, err := getCookieCipher()
	if err != nil {
		return err
	}
	stored := cookies
	version := 0
	if enc != nil {
		stored, err = enc.Seal(cookies)
		if err != nil {
			return fmt.Errorf("encrypt platform cookies: %w", err)
		}
		version = cookieEncryptionVersion
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO platform_sessions (account_id, cookies, encryption_version, valid, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			cookies = EXCLUDED.cookies,
			encryption_version = EXCLUDED.encryption_version,
			valid = TRUE,
			updated_at = NOW()`,
		accountID, stored, version)
	return err
}

// LoadPlatformCookies returns the decrypted cookie header for an account, or
// "" when no valid row exists.
func LoadPlatformCookies(ctx context.Context, db *sql.DB, accountID string) (string, error) {
	var stored string
	var version int
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(cookies, ''), encryption_version
		FROM platform_sessions WHERE account_id = $1 AND valid = TRUE`,
		accountID).Scan(&stored, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load platform cookies: %w", err)
	}
	if version == 0 || stored == "" {
		return stored, nil
	}
	enc, err := getCookieCipher()
	if err != nil {
		return "", err
	}
	if enc == nil {
		return "", fmt.Errorf("platform cookies for %s are encrypted but ENCRYPTION_KEY is not set", accountID)
	}
	plain, err := enc.Open(stored)
	if err != nil {
		return "", fmt.Errorf("decrypt platform cookies: %w", err)
	}
	return plain, nil
}

// InvalidatePlatformCookies marks an account's cookie row invalid after the
// platform rejects it, so the next refresh knows to re-login.
func InvalidatePlatformCookies(ctx context.Context, db *sql.DB, accountID string) {
	if _, err := db.ExecContext(ctx,
		`UPDATE platform_sessions SET valid = FALSE, updated_at = NOW() WHERE account_id = $1`,
		accountID); err != nil {
		slog.Warn("failed to invalidate platform cookies",
			slog.String("account_id", accountID),
			slog.Any("error", err),
			slog.String("component", "db"))
	}
}

// MigratePlaintextCookies encrypts any plaintext cookie rows in place. Used by
// cmd/migrate-cookies when enabling encryption on an existing deployment.
func MigratePlaintextCookies(ctx context.Context, db *sql.DB) (int, error) {
	enc, err := getCookieCipher()
	if err != nil {
		return 0, err
	}
	if enc == nil {
		return 0, fmt.Errorf("ENCRYPTION_KEY must be set to migrate cookie rows")
	}

	rows, err := db.QueryContext(ctx, `
		SELECT account_id, COALESCE(cookies, '') FROM platform_sessions WHERE encryption_version = 0`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type row struct{ account, cookies string }
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.account, &r.cookies); err != nil {
			return 0, err
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	migrated := 0
	for _, r := range pending {
		if r.cookies == "" {
			continue
		}
		ciphertext, err := enc.Seal(r.cookies)
		if err != nil {
			return migrated, fmt.Errorf("encrypt cookies for %s: %w", r.account, err)
		}
		if _, err := db.ExecContext(ctx, `
			UPDATE platform_sessions SET cookies = $2, encryption_version = $3, updated_at = NOW()
			WHERE account_id = $1`,
			r.account, ciphertext, cookieEncryptionVersion); err != nil {
			return migrated, fmt.Errorf("update cookies for %s: %w", r.account, err)
		}
		migrated++
	}
	return migrated, nil
}
