package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/vod-archiver/crypto"
)

// Token encryption versions stored in oauth_tokens.encryption_version.
const (
	tokenPlaintext = 0
	tokenAESGCM    = 1
)

// ErrNoCipher is returned when an encrypted token row is read without a configured cipher.
var ErrNoCipher = errors.New("oauth token is encrypted but no ENCRYPTION_KEY is configured")

// seal encrypts each value when a cipher is configured and returns the row version.
func (s *Store) seal(values ...*string) (int, error) {
	if s.Cipher == nil {
		return tokenPlaintext, nil
	}
	for _, v := range values {
		ct, err := crypto.EncryptString(s.Cipher, *v)
		if err != nil {
			return 0, err
		}
		*v = ct
	}
	return tokenAESGCM, nil
}

func (s *Store) open(version int, values ...*string) error {
	if version == tokenPlaintext {
		return nil
	}
	if version != tokenAESGCM {
		return fmt.Errorf("unknown token encryption version %d", version)
	}
	if s.Cipher == nil {
		return ErrNoCipher
	}
	for _, v := range values {
		pt, err := crypto.DecryptString(s.Cipher, *v)
		if err != nil {
			return err
		}
		*v = pt
	}
	return nil
}

// UpsertOAuthToken stores or updates an OAuth token for a provider (e.g. twitch, youtube).
func (s *Store) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	version, err := s.seal(&access, &refresh, &raw)
	if err != nil {
		return fmt.Errorf("encrypt oauth token %s: %w", provider, err)
	}
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, raw, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    raw=EXCLUDED.raw,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	if _, err := s.DB.ExecContext(ctx, q, provider, access, refresh, expiry, raw, version); err != nil {
		return fmt.Errorf("upsert oauth token %s: %w", provider, err)
	}
	return nil
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	var (
		a, r, rw sql.NullString
		exp      sql.NullTime
		version  int
	)
	err = s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, raw, encryption_version FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&a, &r, &exp, &rw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("get oauth token %s: %w", provider, err)
	}
	access, refresh, raw = a.String, r.String, rw.String
	if err := s.open(version, &access, &refresh, &raw); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("decrypt oauth token %s: %w", provider, err)
	}
	return access, refresh, exp.Time, raw, nil
}

// UpdateOAuthAccess replaces the access/refresh pair of an existing row after a refresh grant.
// The raw payload is cleared since it no longer matches the new pair.
func (s *Store) UpdateOAuthAccess(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	raw := ""
	version, err := s.seal(&access, &refresh, &raw)
	if err != nil {
		return fmt.Errorf("encrypt oauth token %s: %w", provider, err)
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, expires_at=$3, scope=$4, raw=$5, encryption_version=$6, updated_at=NOW() WHERE provider=$7`,
		access, refresh, expiry, scope, raw, version, provider)
	if err != nil {
		return fmt.Errorf("update oauth token %s: %w", provider, err)
	}
	return nil
}

// CountOAuthTokens returns how many of the given providers have a stored token.
func (s *Store) CountOAuthTokens(ctx context.Context, providers ...string) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM oauth_tokens WHERE provider = ANY($1)`, providers).Scan(&n); err != nil {
		return 0, fmt.Errorf("count oauth tokens: %w", err)
	}
	return n, nil
}

// EncryptStoredTokens rewrites every plaintext token row with the configured cipher and
// returns the number of rows that were (or, with dryRun, would be) encrypted.
func (s *Store) EncryptStoredTokens(ctx context.Context, dryRun bool) (int, error) {
	if s.Cipher == nil {
		return 0, ErrNoCipher
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT provider, access_token, refresh_token, raw FROM oauth_tokens WHERE encryption_version = $1 ORDER BY provider`, tokenPlaintext)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	type row struct{ provider, access, refresh, raw string }
	var pending []row
	for rows.Next() {
		var p string
		var a, r, rw sql.NullString
		if err := rows.Scan(&p, &a, &r, &rw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan token row: %w", err)
		}
		pending = append(pending, row{p, a.String, r.String, rw.String})
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}
	if dryRun {
		return len(pending), nil
	}

	done := 0
	for _, t := range pending {
		version, err := s.seal(&t.access, &t.refresh, &t.raw)
		if err != nil {
			return done, fmt.Errorf("encrypt oauth token %s: %w", t.provider, err)
		}
		// The version guard keeps a concurrent writer's newer row intact.
		res, err := s.DB.ExecContext(ctx,
			`UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, raw=$3, encryption_version=$4, updated_at=NOW()
			 WHERE provider=$5 AND encryption_version=$6`,
			t.access, t.refresh, t.raw, version, t.provider, tokenPlaintext)
		if err != nil {
			return done, fmt.Errorf("update oauth token %s: %w", t.provider, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			done++
			slog.Info("oauth token encrypted", slog.String("provider", t.provider), slog.String("component", "db_tokens"))
		}
	}
	return done, nil
}
