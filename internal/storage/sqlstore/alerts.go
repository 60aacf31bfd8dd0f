package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

const alertColumns = "id, source_kind, reference_id, owner_id, severity, message, created_at, resolved_at, acknowledged_by, acknowledged_at, delivered_at"

func scanAlert(row rowScanner) (credential.Alert, error) {
	var (
		a                        credential.Alert
		kind, severity, created  string
		owner, message, ackBy    sql.NullString
		resolved, acked, deliver sql.NullString
	)
	if err := row.Scan(&a.ID, &kind, &a.ReferenceID, &owner, &severity, &message, &created,
		&resolved, &ackBy, &acked, &deliver); err != nil {
		return credential.Alert{}, err
	}

	var err error
	a.SourceKind = credential.SourceKind(kind)
	a.OwnerID = owner.String
	a.Message = message.String
	a.AcknowledgedBy = ackBy.String
	if a.Severity, err = credential.ParseSeverity(severity); err != nil {
		return credential.Alert{}, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return credential.Alert{}, err
	}
	if a.ResolvedAt, err = parseTimePtr(resolved); err != nil {
		return credential.Alert{}, err
	}
	if a.AcknowledgedAt, err = parseTimePtr(acked); err != nil {
		return credential.Alert{}, err
	}
	if a.DeliveredAt, err = parseTimePtr(deliver); err != nil {
		return credential.Alert{}, err
	}
	return a, nil
}

// InsertAlert implements storage.AlertRepository
func (s *Store) InsertAlert(ctx context.Context, a credential.Alert) error {
	_, err := s.exec(ctx,
		"INSERT INTO alerts ("+alertColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, string(a.SourceKind), a.ReferenceID, a.OwnerID, string(a.Severity), a.Message,
		formatTime(a.CreatedAt), formatTimePtr(a.ResolvedAt), a.AcknowledgedBy,
		formatTimePtr(a.AcknowledgedAt), formatTimePtr(a.DeliveredAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) UpdateAlert(ctx context.Context, a credential.Alert) error {
	res, err := s.exec(ctx,
		"UPDATE alerts SET resolved_at = ?, acknowledged_by = ?, acknowledged_at = ?, delivered_at = ? WHERE id = ?",
		formatTimePtr(a.ResolvedAt), a.AcknowledgedBy, formatTimePtr(a.AcknowledgedAt), formatTimePtr(a.DeliveredAt), a.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return requireRow(res)
}

func (s *Store) GetAlert(ctx context.Context, id string) (credential.Alert, error) {
	a, err := scanAlert(s.queryRow(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id))
	return a, notFound(err)
}

func (s *Store) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]credential.Alert, error) {
	var w whereBuilder
	if filter.OpenOnly {
		w.add("resolved_at IS NULL")
	}
	if filter.UndeliveredOnly {
		w.add("delivered_at IS NULL")
	}
	if filter.OwnerID != "" {
		w.add("owner_id = ?", filter.OwnerID)
	}
	if filter.SourceKind != "" {
		w.add("source_kind = ?", string(filter.SourceKind))
	}
	if filter.ReferenceID != "" {
		w.add("reference_id = ?", filter.ReferenceID)
	}

	rows, err := s.query(ctx, "SELECT "+alertColumns+" FROM alerts"+w.String()+" ORDER BY created_at, id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []credential.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
