// Package sqlstore implements store.Repository on database/sql, for the
// embedded sqlite engine and for postgres through pgx.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"devicelink/internal/model"
	"devicelink/internal/store"
	"devicelink/pkg/linkproto"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Repository = (*Store)(nil)

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	switch dialect {
	case DialectSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// One writer keeps sqlite from returning SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
			_ = db.Close()
			return nil, err
		}
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", dialect)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sessionColumns = `token, status, principal_id, principal_name, device, credential, secret_hash, version,
	created_at, expires_at, updated_at, claimed_at, linked_at, last_active_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.LinkSession, error) {
	var (
		sess          model.LinkSession
		status        string
		principalID   sql.NullString
		principalName sql.NullString
		device        sql.NullString
		credential    sql.NullString
		secretHash    sql.NullString
	)
	err := row.Scan(
		&sess.Token, &status, &principalID, &principalName, &device, &credential, &secretHash, &sess.Version,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.UpdatedAt, &sess.ClaimedAt, &sess.LinkedAt, &sess.LastActiveAt,
	)
	if err != nil {
		return model.LinkSession{}, mapNotFound(err)
	}

	sess.Status = linkproto.Status(status)
	if principalID.Valid {
		sess.Principal = &model.Principal{ID: principalID.String, Name: principalName.String}
	}
	if device.Valid && device.String != "" {
		var d model.DeviceMetadata
		if err := json.Unmarshal([]byte(device.String), &d); err != nil {
			return model.LinkSession{}, fmt.Errorf("sqlstore: decode device of %s: %w", sess.Token, err)
		}
		sess.Device = &d
	}
	sess.Credential = credential.String
	sess.SecretHash = secretHash.String
	return sess, nil
}

func sessionArgs(sess model.LinkSession) ([]any, error) {
	var principalID, principalName sql.NullString
	if sess.Principal != nil {
		principalID = sql.NullString{String: sess.Principal.ID, Valid: true}
		principalName = sql.NullString{String: sess.Principal.Name, Valid: true}
	}
	var device sql.NullString
	if sess.Device != nil {
		data, err := json.Marshal(sess.Device)
		if err != nil {
			return nil, err
		}
		device = sql.NullString{String: string(data), Valid: true}
	}
	return []any{
		string(sess.Status), principalID, principalName, device, mapStringNull(sess.Credential), mapStringNull(sess.SecretHash),
		sess.CreatedAt, sess.ExpiresAt, sess.UpdatedAt, sess.ClaimedAt, sess.LinkedAt, sess.LastActiveAt,
	}, nil
}

func (s *Store) CreateSession(ctx context.Context, sess model.LinkSession) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO link_sessions (token, version, status, principal_id, principal_name, device,
		credential, secret_hash, created_at, expires_at, updated_at, claimed_at, linked_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query, append([]any{sess.Token, sess.Version}, args...)...)
	if err != nil {
		return fmt.Errorf("sqlstore: create session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrExists
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, token string) (model.LinkSession, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM link_sessions WHERE token = ?`), token)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess model.LinkSession, expectedVersion int) (model.LinkSession, error) {
	args, err := sessionArgs(sess)
	if err != nil {
		return model.LinkSession{}, err
	}
	query := s.rebind(`UPDATE link_sessions SET status = ?, principal_id = ?, principal_name = ?, device = ?,
		credential = ?, secret_hash = ?, created_at = ?, expires_at = ?, updated_at = ?, claimed_at = ?, linked_at = ?,
		last_active_at = ?, version = ?
		WHERE token = ? AND version = ?`)

	args = append(args, expectedVersion+1, sess.Token, expectedVersion)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return model.LinkSession{}, fmt.Errorf("sqlstore: update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.LinkSession{}, err
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, sess.Token); err != nil {
			return model.LinkSession{}, err
		}
		return model.LinkSession{}, store.ErrConflict
	}

	out := sess.Clone()
	out.Version = expectedVersion + 1
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM link_sessions WHERE token = ?`), token)
	if err != nil {
		return fmt.Errorf("sqlstore: delete session: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) TouchSession(ctx context.Context, token string, at int64) error {
	query := s.rebind(`UPDATE link_sessions
		SET last_active_at = CASE WHEN last_active_at < ? THEN ? ELSE last_active_at END
		WHERE token = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, at, at, token, string(linkproto.StatusLinked))
	if err != nil {
		return fmt.Errorf("sqlstore: touch session: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) ListLinked(ctx context.Context, principalID string) ([]model.LinkSession, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM link_sessions
		WHERE principal_id = ? AND status = ?
		ORDER BY linked_at, token`)
	return s.querySessions(ctx, query, principalID, string(linkproto.StatusLinked))
}

func (s *Store) DeleteLinked(ctx context.Context, principalID string) ([]string, error) {
	query := s.rebind(`DELETE FROM link_sessions WHERE principal_id = ? AND status = ? RETURNING token`)
	rows, err := s.db.QueryContext(ctx, query, principalID, string(linkproto.StatusLinked))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: delete linked: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *Store) ListOverdue(ctx context.Context, now int64) ([]model.LinkSession, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM link_sessions
		WHERE status IN (?, ?) AND expires_at < ?
		ORDER BY expires_at`)
	return s.querySessions(ctx, query, string(linkproto.StatusPending), string(linkproto.StatusScanned), now)
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff int64) (int, error) {
	query := s.rebind(`DELETE FROM link_sessions WHERE status IN (?, ?) AND updated_at < ?`)
	res, err := s.db.ExecContext(ctx, query, string(linkproto.StatusRejected), string(linkproto.StatusExpired), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) GetOrCreateAccount(ctx context.Context, publicKey string, now int64) (model.Account, bool, error) {
	insert := s.rebind(`INSERT INTO accounts (id, public_key, created_at) VALUES (?, ?, ?)
		ON CONFLICT (public_key) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, insert, uuid.NewString(), publicKey, now)
	if err != nil {
		return model.Account{}, false, fmt.Errorf("sqlstore: create account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Account{}, false, err
	}

	var acc model.Account
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, public_key, created_at FROM accounts WHERE public_key = ?`), publicKey)
	if err := row.Scan(&acc.ID, &acc.PublicKey, &acc.CreatedAt); err != nil {
		return model.Account{}, false, mapNotFound(err)
	}
	return acc, n == 1, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]model.LinkSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.LinkSession, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func mapStringNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
