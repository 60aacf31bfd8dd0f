// Package audit evaluates the key store's configuration and contents against
// a rule set and keeps one open finding per violated instance.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/keystore"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/metrics"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

// Inventory is the key store's read contract used by the auditor
type Inventory interface {
	List(ctx context.Context, filter storage.KeyFilter) ([]credential.KeyRecord, error)
	Configuration(ctx context.Context) (keystore.Configuration, error)
}

// Listener is told about findings as they open and resolve
type Listener interface {
	OnAuditFinding(ctx context.Context, f credential.AuditFinding) error
	OnFindingResolved(ctx context.Context, f credential.AuditFinding) error
}

// Report summarises one audit run
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Opened     []credential.AuditFinding
	Resolved   []credential.AuditFinding
	Open       int
	RuleErrors []dserrors.RuleEvaluationError
}

// Auditor runs rules and maintains findings. Runs are serialized.
type Auditor struct {
	findings  storage.FindingRepository
	inventory Inventory
	rules     []Rule
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Recorder
	listener  Listener
	newID     func() string

	runMu sync.Mutex
}

// Option configures an Auditor
type Option func(*Auditor)

// WithClock sets the clock
func WithClock(c clock.Clock) Option {
	return func(a *Auditor) { a.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(a *Auditor) { a.logger = l.Named("audit") }
}

// WithRules replaces the rule set
func WithRules(rules ...Rule) Option {
	return func(a *Auditor) { a.rules = rules }
}

// WithListener registers the finding listener
func WithListener(l Listener) Option {
	return func(a *Auditor) { a.listener = l }
}

// WithIDGenerator overrides finding id generation
func WithIDGenerator(fn func() string) Option {
	return func(a *Auditor) { a.newID = fn }
}

// New creates an Auditor with the built-in rules
func New(findings storage.FindingRepository, inventory Inventory, maxKeyAge time.Duration, opts ...Option) *Auditor {
	a := &Auditor{
		findings:  findings,
		inventory: inventory,
		rules:     BuiltinRules(maxKeyAge),
		clock:     clock.WallClock,
		logger:    logging.Discard(),
		metrics:   metrics.NewRecorder(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetListener replaces the finding listener. It must be called before the
// first run.
func (a *Auditor) SetListener(l Listener) {
	a.listener = l
}

// Rules lists the configured rule ids
func (a *Auditor) Rules() []string {
	out := make([]string, 0, len(a.rules))
	for _, r := range a.rules {
		out = append(out, r.ID())
	}
	return out
}

// Findings lists stored findings
func (a *Auditor) Findings(ctx context.Context, filter storage.FindingFilter) ([]credential.AuditFinding, error) {
	return a.findings.ListFindings(ctx, filter)
}

type findingKey struct {
	rule    string
	subject string
}

// Run evaluates every rule once. A failing rule is reported in the report
// and leaves its existing findings untouched; the other rules still run.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	start := a.clock.Now().UTC()
	report := Report{StartedAt: start}

	snap, err := a.snapshot(ctx, start)
	if err != nil {
		a.metrics.RecordAuditRun("error", 0)
		return report, err
	}

	existing, err := a.findings.ListFindings(ctx, storage.FindingFilter{OpenOnly: true})
	if err != nil {
		a.metrics.RecordAuditRun("error", 0)
		return report, fmt.Errorf("list open findings: %w", err)
	}
	open := make(map[findingKey]credential.AuditFinding, len(existing))
	for _, f := range existing {
		open[findingKey{f.RuleID, f.Subject}] = f
	}

	perRule := make(map[string]int)
	for _, rule := range a.rules {
		observations, err := a.evaluate(ctx, rule, snap)
		if err != nil {
			ruleErr := dserrors.RuleEvaluationError{RuleID: rule.ID(), Err: err}
			report.RuleErrors = append(report.RuleErrors, ruleErr)
			a.metrics.RecordRuleError(rule.ID())
			a.logger.Error("%v", ruleErr)
			for k := range open {
				if k.rule == rule.ID() {
					perRule[k.rule]++
					delete(open, k)
				}
			}
			continue
		}

		seen := make(map[string]bool, len(observations))
		for _, obs := range observations {
			if seen[obs.Subject] {
				continue
			}
			seen[obs.Subject] = true
			perRule[rule.ID()]++

			k := findingKey{rule.ID(), obs.Subject}
			if _, ok := open[k]; ok {
				delete(open, k)
				continue
			}
			f := credential.AuditFinding{
				ID:          a.newID(),
				RuleID:      rule.ID(),
				Subject:     obs.Subject,
				Severity:    rule.Severity(),
				Description: obs.Description,
				DetectedAt:  start,
			}
			if err := a.findings.InsertFinding(ctx, f); err != nil {
				return report, fmt.Errorf("store finding for %s/%s: %w", f.RuleID, f.Subject, err)
			}
			report.Opened = append(report.Opened, f)
			a.notifyOpened(ctx, f)
		}
	}

	// Whatever is left in open was not reproduced by a rule that ran cleanly
	stale := make([]credential.AuditFinding, 0, len(open))
	for _, f := range open {
		stale = append(stale, f)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	now := a.clock.Now().UTC()
	for _, f := range stale {
		if err := a.findings.ResolveFinding(ctx, f.ID, now); err != nil {
			return report, fmt.Errorf("resolve finding %s: %w", f.ID, err)
		}
		resolved := now
		f.ResolvedAt = &resolved
		report.Resolved = append(report.Resolved, f)
		a.notifyResolved(ctx, f)
	}

	for _, r := range a.rules {
		report.Open += perRule[r.ID()]
		a.metrics.SetOpenFindings(r.ID(), perRule[r.ID()])
	}
	report.FinishedAt = a.clock.Now().UTC()
	outcome := "ok"
	if len(report.RuleErrors) > 0 {
		outcome = "rule_errors"
	}
	a.metrics.RecordAuditRun(outcome, report.FinishedAt.Sub(start).Seconds())
	a.logger.Info("Audit finished: %d open, %d new, %d resolved, %d rule errors",
		report.Open, len(report.Opened), len(report.Resolved), len(report.RuleErrors))
	return report, nil
}

func (a *Auditor) snapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	keys, err := a.inventory.List(ctx, storage.KeyFilter{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list keys: %w", err)
	}
	cfg, cfgErr := a.inventory.Configuration(ctx)
	if cfgErr != nil {
		a.logger.Warn("Key store configuration unavailable: %v", cfgErr)
	}
	return Snapshot{Now: now, Keys: keys, config: cfg, configErr: cfgErr}, nil
}

// evaluate runs one rule, turning a panic into an error
func (a *Auditor) evaluate(ctx context.Context, rule Rule, snap Snapshot) (obs []Observation, err error) {
	defer func() {
		if r := recover(); r != nil {
			obs = nil
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	obs, err = rule.Evaluate(ctx, snap)
	if err == nil && obs == nil {
		obs = []Observation{}
	}
	return obs, err
}

func (a *Auditor) notifyOpened(ctx context.Context, f credential.AuditFinding) {
	a.logger.Warn("Finding %s [%s] %s", f.RuleID, f.Severity, f.Description)
	if a.listener == nil {
		return
	}
	if err := a.listener.OnAuditFinding(ctx, f); err != nil {
		a.logger.Error("Alerting on finding %s failed: %v", f.ID, err)
	}
}

func (a *Auditor) notifyResolved(ctx context.Context, f credential.AuditFinding) {
	a.logger.Info("Finding %s on %s resolved", f.RuleID, f.Subject)
	if a.listener == nil {
		return
	}
	if err := a.listener.OnFindingResolved(ctx, f); err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.logger.Error("Resolving alerts for finding %s failed: %v", f.ID, err)
	}
}
