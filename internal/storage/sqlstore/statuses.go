package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

const statusColumns = "key_id, owner_id, provider, state, last_checked_at, error_message, consecutive_failures, next_check_at, version, updated_at"

func scanStatus(row rowScanner) (credential.StatusRecord, error) {
	var (
		st                     credential.StatusRecord
		provider, state        string
		lastChecked, nextCheck sql.NullString
		errMsg                 sql.NullString
		updated                string
	)
	if err := row.Scan(&st.KeyID, &st.OwnerID, &provider, &state, &lastChecked, &errMsg,
		&st.ConsecutiveFailures, &nextCheck, &st.Version, &updated); err != nil {
		return credential.StatusRecord{}, err
	}

	var err error
	st.Provider = credential.ProviderType(provider)
	if st.State, err = credential.ParseState(state); err != nil {
		return credential.StatusRecord{}, err
	}
	st.ErrorMessage = errMsg.String
	if st.LastCheckedAt, err = parseTimePtr(lastChecked); err != nil {
		return credential.StatusRecord{}, err
	}
	if st.NextCheckAt, err = parseTimePtr(nextCheck); err != nil {
		return credential.StatusRecord{}, err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return credential.StatusRecord{}, err
	}
	return st, nil
}

// PutStatus implements storage.StatusRepository with optimistic versioning
func (s *Store) PutStatus(ctx context.Context, st credential.StatusRecord) (credential.StatusRecord, error) {
	next := st
	next.Version = st.Version + 1

	if st.Version == 0 {
		_, err := s.exec(ctx,
			"INSERT INTO key_statuses ("+statusColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			next.KeyID, next.OwnerID, string(next.Provider), string(next.State),
			formatTimePtr(next.LastCheckedAt), next.ErrorMessage, next.ConsecutiveFailures,
			formatTimePtr(next.NextCheckAt), next.Version, formatTime(next.UpdatedAt))
		if err != nil {
			if s.dialect.isUniqueViolation(err) {
				return credential.StatusRecord{}, storage.ErrVersionConflict
			}
			return credential.StatusRecord{}, fmt.Errorf("insert status: %w", err)
		}
		return next, nil
	}

	res, err := s.exec(ctx,
		`UPDATE key_statuses SET state = ?, last_checked_at = ?, error_message = ?, consecutive_failures = ?,
		next_check_at = ?, version = ?, updated_at = ? WHERE key_id = ? AND version = ?`,
		string(next.State), formatTimePtr(next.LastCheckedAt), next.ErrorMessage, next.ConsecutiveFailures,
		formatTimePtr(next.NextCheckAt), next.Version, formatTime(next.UpdatedAt), next.KeyID, st.Version)
	if err != nil {
		return credential.StatusRecord{}, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return credential.StatusRecord{}, err
	}
	if n == 0 {
		if _, err := s.GetStatus(ctx, st.KeyID); err != nil {
			return credential.StatusRecord{}, err
		}
		return credential.StatusRecord{}, storage.ErrVersionConflict
	}
	return next, nil
}

func (s *Store) GetStatus(ctx context.Context, keyID string) (credential.StatusRecord, error) {
	st, err := scanStatus(s.queryRow(ctx, "SELECT "+statusColumns+" FROM key_statuses WHERE key_id = ?", keyID))
	return st, notFound(err)
}

func (s *Store) ListStatuses(ctx context.Context, filter storage.StatusFilter) ([]credential.StatusRecord, error) {
	var w whereBuilder
	if filter.OwnerID != "" {
		w.add("owner_id = ?", filter.OwnerID)
	}
	states := make([]string, len(filter.States))
	for i, st := range filter.States {
		states[i] = string(st)
	}
	w.in("state", states)

	rows, err := s.query(ctx, "SELECT "+statusColumns+" FROM key_statuses"+w.String()+" ORDER BY key_id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []credential.StatusRecord
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) DeleteStatus(ctx context.Context, keyID string) error {
	if _, err := s.exec(ctx, "DELETE FROM key_statuses WHERE key_id = ?", keyID); err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}
