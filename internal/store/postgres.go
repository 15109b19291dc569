package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/authrotator/internal/database"
	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/model"
)

// Schema is the table backing the postgres store. Applied by EnsureSchema;
// idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS oauth_domains (
	key        TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore serializes writers per domain key with a transaction-scoped
// advisory lock plus a row-level lock (SELECT ... FOR UPDATE). The advisory
// lock covers the first write for a key: FOR UPDATE on a row that does not
// exist yet locks nothing, so without it two concurrent creators would both
// read an empty domain and the second insert would clobber the first.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, domainKey string) (*model.Domain, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `
		SELECT doc FROM oauth_domains WHERE key = $1
	`, domainKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDomain(doc)
}

func (s *PostgresStore) ApplyUpdate(ctx context.Context, domainKey string, fn UpdateFunc) (*model.Domain, error) {
	var result *model.Domain

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			SELECT pg_advisory_xact_lock(hashtext($1))
		`, domainKey); err != nil {
			return err
		}

		var doc []byte
		err := tx.GetContext(ctx, &doc, `
			SELECT doc FROM oauth_domains WHERE key = $1 FOR UPDATE
		`, domainKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var cur *model.Domain
		if doc != nil {
			if cur, err = decodeDomain(doc); err != nil {
				return err
			}
		}

		next, err := fn(current(domainKey, cur))
		if err == ErrNoChange {
			result = current(domainKey, cur)
			return nil
		}
		if err != nil {
			return err
		}

		next.Version++
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO oauth_domains (key, doc, version, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (key) DO UPDATE
			SET doc = EXCLUDED.doc, version = EXCLUDED.version, updated_at = now()
		`, domainKey, encoded, next.Version)
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func decodeDomain(doc []byte) (*model.Domain, error) {
	var d model.Domain
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, apperrors.StorageCorrupt(err)
	}
	if d.Accounts == nil {
		d.Accounts = make(map[string]*model.Account)
	}
	return &d, nil
}
