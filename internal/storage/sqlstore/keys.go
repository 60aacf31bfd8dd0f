package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

const keyColumns = "id, owner_id, provider, ciphertext, kms_version, fingerprint, created_at, last_rotated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (credential.KeyRecord, error) {
	var (
		k                  credential.KeyRecord
		provider, ct       string
		created, lastRotat string
	)
	if err := row.Scan(&k.ID, &k.OwnerID, &provider, &ct, &k.KMSVersion, &k.Fingerprint, &created, &lastRotat); err != nil {
		return credential.KeyRecord{}, err
	}
	k.Provider = credential.ProviderType(provider)
	k.Ciphertext = []byte(ct)

	var err error
	if k.CreatedAt, err = parseTime(created); err != nil {
		return credential.KeyRecord{}, err
	}
	if k.LastRotatedAt, err = parseTime(lastRotat); err != nil {
		return credential.KeyRecord{}, err
	}
	return k, nil
}

// InsertKey implements storage.KeyRepository
func (s *Store) InsertKey(ctx context.Context, k credential.KeyRecord) error {
	_, err := s.exec(ctx,
		"INSERT INTO key_records ("+keyColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		k.ID, k.OwnerID, string(k.Provider), string(k.Ciphertext), k.KMSVersion, k.Fingerprint,
		formatTime(k.CreatedAt), formatTime(k.LastRotatedAt))
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

func (s *Store) UpdateKey(ctx context.Context, k credential.KeyRecord) error {
	res, err := s.exec(ctx,
		"UPDATE key_records SET ciphertext = ?, kms_version = ?, fingerprint = ?, last_rotated_at = ? WHERE id = ?",
		string(k.Ciphertext), k.KMSVersion, k.Fingerprint, formatTime(k.LastRotatedAt), k.ID)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteKey(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.exec(ctx, "DELETE FROM key_statuses WHERE key_id = ?", id); err != nil {
			return fmt.Errorf("delete status: %w", err)
		}
		res, err := s.exec(ctx, "DELETE FROM key_records WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func (s *Store) GetKey(ctx context.Context, id string) (credential.KeyRecord, error) {
	k, err := scanKey(s.queryRow(ctx, "SELECT "+keyColumns+" FROM key_records WHERE id = ?", id))
	return k, notFound(err)
}

func (s *Store) FindKey(ctx context.Context, ownerID string, provider credential.ProviderType) (credential.KeyRecord, error) {
	k, err := scanKey(s.queryRow(ctx,
		"SELECT "+keyColumns+" FROM key_records WHERE owner_id = ? AND provider = ?", ownerID, string(provider)))
	return k, notFound(err)
}

func (s *Store) ListKeys(ctx context.Context, filter storage.KeyFilter) ([]credential.KeyRecord, error) {
	var w whereBuilder
	if filter.OwnerID != "" {
		w.add("owner_id = ?", filter.OwnerID)
	}
	if filter.Provider != "" {
		w.add("provider = ?", string(filter.Provider))
	}

	rows, err := s.query(ctx, "SELECT "+keyColumns+" FROM key_records"+w.String()+" ORDER BY created_at, id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []credential.KeyRecord
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
