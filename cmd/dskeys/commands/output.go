package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/systmms/dskeys/internal/service"
	"github.com/systmms/dskeys/pkg/credential"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printKeyViews(w io.Writer, views []service.KeyView) {
	if len(views) == 0 {
		_, _ = fmt.Fprintln(w, "No keys found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID\tOWNER\tPROVIDER\tFINGERPRINT\tSTATE\tFAILURES\tLAST CHECK\tERROR\n")
	for _, v := range views {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			v.ID, v.OwnerID, v.Provider, v.Fingerprint, v.State,
			v.ConsecutiveFailures, formatTime(v.LastCheckedAt), dash(v.ErrorMessage))
	}
	_ = tw.Flush()
}

func printKeyView(w io.Writer, v service.KeyView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"ID", v.ID},
		{"Owner", v.OwnerID},
		{"Provider", string(v.Provider)},
		{"Fingerprint", v.Fingerprint},
		{"KMS version", v.KMSVersion},
		{"Created", formatTime(&v.CreatedAt)},
		{"Last rotated", formatTime(&v.LastRotatedAt)},
		{"State", string(v.State)},
		{"Last check", formatTime(v.LastCheckedAt)},
		{"Failures", fmt.Sprint(v.ConsecutiveFailures)},
		{"Next check", formatTime(v.NextCheckAt)},
		{"Error", dash(v.ErrorMessage)},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	_ = tw.Flush()
}

func printFindings(w io.Writer, findings []credential.AuditFinding) {
	if len(findings) == 0 {
		_, _ = fmt.Fprintln(w, "No findings")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID\tRULE\tSEVERITY\tSUBJECT\tDETECTED\tRESOLVED\tDESCRIPTION\n")
	for _, f := range findings {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.RuleID, f.Severity, f.Subject, formatTime(&f.DetectedAt), formatTime(f.ResolvedAt), f.Description)
	}
	_ = tw.Flush()
}

func printAlerts(w io.Writer, alerts []credential.Alert) {
	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(w, "No alerts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID\tSEVERITY\tSOURCE\tOWNER\tCREATED\tSTATE\tMESSAGE\n")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Severity, a.SourceKind, dash(a.OwnerID), formatTime(&a.CreatedAt), alertState(a), a.Message)
	}
	_ = tw.Flush()
}

func alertState(a credential.Alert) string {
	var parts []string
	if a.ResolvedAt != nil {
		parts = append(parts, "resolved")
	} else {
		parts = append(parts, "open")
	}
	if a.AcknowledgedBy != "" {
		parts = append(parts, "acked by "+a.AcknowledgedBy)
	}
	return strings.Join(parts, ", ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
