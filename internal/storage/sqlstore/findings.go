package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

const findingColumns = "id, rule_id, subject, severity, description, detected_at, resolved_at"

func scanFinding(row rowScanner) (credential.AuditFinding, error) {
	var (
		f                 credential.AuditFinding
		severity, detect  string
		desc, resolvedRaw sql.NullString
	)
	if err := row.Scan(&f.ID, &f.RuleID, &f.Subject, &severity, &desc, &detect, &resolvedRaw); err != nil {
		return credential.AuditFinding{}, err
	}

	var err error
	if f.Severity, err = credential.ParseSeverity(severity); err != nil {
		return credential.AuditFinding{}, err
	}
	f.Description = desc.String
	if f.DetectedAt, err = parseTime(detect); err != nil {
		return credential.AuditFinding{}, err
	}
	if f.ResolvedAt, err = parseTimePtr(resolvedRaw); err != nil {
		return credential.AuditFinding{}, err
	}
	return f, nil
}

// InsertFinding implements storage.FindingRepository
func (s *Store) InsertFinding(ctx context.Context, f credential.AuditFinding) error {
	_, err := s.exec(ctx,
		"INSERT INTO audit_findings ("+findingColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		f.ID, f.RuleID, f.Subject, string(f.Severity), f.Description, formatTime(f.DetectedAt), formatTimePtr(f.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

func (s *Store) ResolveFinding(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, "UPDATE audit_findings SET resolved_at = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("resolve finding: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ListFindings(ctx context.Context, filter storage.FindingFilter) ([]credential.AuditFinding, error) {
	var w whereBuilder
	if filter.OpenOnly {
		w.add("resolved_at IS NULL")
	}
	if filter.RuleID != "" {
		w.add("rule_id = ?", filter.RuleID)
	}

	rows, err := s.query(ctx, "SELECT "+findingColumns+" FROM audit_findings"+w.String()+" ORDER BY detected_at, id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []credential.AuditFinding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
