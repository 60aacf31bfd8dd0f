package credential

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProviderType identifies the external service an API key belongs to
type ProviderType string

const (
	ProviderOpenAI       ProviderType = "openai"
	ProviderAnthropic    ProviderType = "anthropic"
	ProviderGemini       ProviderType = "gemini"
	ProviderMistral      ProviderType = "mistral"
	ProviderGroq         ProviderType = "groq"
	ProviderXAI          ProviderType = "xai"
	ProviderCohere       ProviderType = "cohere"
	ProviderPerplexity   ProviderType = "perplexity"
	ProviderMicroservice ProviderType = "microservice"
)

var knownProviders = map[ProviderType]struct{}{
	ProviderOpenAI:       {},
	ProviderAnthropic:    {},
	ProviderGemini:       {},
	ProviderMistral:      {},
	ProviderGroq:         {},
	ProviderXAI:          {},
	ProviderCohere:       {},
	ProviderPerplexity:   {},
	ProviderMicroservice: {},
}

// AllProviders returns every supported provider type in name order
func AllProviders() []ProviderType {
	out := make([]ProviderType, 0, len(knownProviders))
	for p := range knownProviders {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether p is a supported provider
func (p ProviderType) Valid() bool {
	_, ok := knownProviders[p]
	return ok
}

// ParseProviderType normalises and validates a provider name
func ParseProviderType(s string) (ProviderType, error) {
	p := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// KeyRecord is a stored API key. Ciphertext is opaque outside the key store.
type KeyRecord struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id"`
	Provider      ProviderType `json:"provider"`
	Ciphertext    []byte       `json:"-"`
	KMSVersion    string       `json:"kms_version"`
	Fingerprint   string       `json:"fingerprint"`
	CreatedAt     time.Time    `json:"created_at"`
	LastRotatedAt time.Time    `json:"last_rotated_at"`
}

// Age returns how long the current key material has been in place
func (k KeyRecord) Age(now time.Time) time.Duration {
	since := k.CreatedAt
	if k.LastRotatedAt.After(since) {
		since = k.LastRotatedAt
	}
	return now.Sub(since)
}

// State is the reconciled validity of a key
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateError   State = "error"
	StateRevoked State = "revoked"
	StateUnknown State = "unknown"
)

// ParseState validates a stored state value
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePending, StateActive, StateError, StateRevoked, StateUnknown:
		return st, nil
	}
	return "", fmt.Errorf("unknown key state %q", s)
}

// StatusRecord is the reconciler-owned status of one key
type StatusRecord struct {
	KeyID               string       `json:"key_id"`
	OwnerID             string       `json:"owner_id"`
	Provider            ProviderType `json:"provider"`
	State               State        `json:"state"`
	LastCheckedAt       *time.Time   `json:"last_checked_at,omitempty"`
	ErrorMessage        string       `json:"error_message,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	NextCheckAt         *time.Time   `json:"next_check_at,omitempty"`
	Version             int64        `json:"version"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// NewPendingStatus is the status every key starts with
func NewPendingStatus(key KeyRecord, now time.Time) StatusRecord {
	return StatusRecord{
		KeyID:     key.ID,
		OwnerID:   key.OwnerID,
		Provider:  key.Provider,
		State:     StatePending,
		UpdatedAt: now,
	}
}

// Severity grades findings and alerts
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, higher is worse
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity validates a stored severity
func ParseSeverity(s string) (Severity, error) {
	switch sv := Severity(s); sv {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return sv, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// AuditFinding is one violated instance of an audit rule
type AuditFinding struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	Subject     string     `json:"subject"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
	DetectedAt  time.Time  `json:"detected_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the finding is still unresolved
func (f AuditFinding) Open() bool {
	return f.ResolvedAt == nil
}

// SourceKind says which component an alert came from
type SourceKind string

const (
	SourceStatus SourceKind = "status"
	SourceAudit  SourceKind = "audit"
)

// Alert is an append-only notification record
type Alert struct {
	ID             string     `json:"id"`
	SourceKind     SourceKind `json:"source_kind"`
	ReferenceID    string     `json:"reference_id"`
	OwnerID        string     `json:"owner_id,omitempty"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// Open reports whether the alert is unresolved
func (a Alert) Open() bool {
	return a.ResolvedAt == nil
}
