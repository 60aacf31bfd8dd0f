// Package reconcile owns key status records. It probes keys through their
// provider adapters with a bounded worker pool and moves each status through
// the lifecycle state machine, one writer per key.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/metrics"
	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
	"github.com/systmms/dskeys/pkg/probe"
)

// DefaultWorkers bounds concurrent probes when the config sets none
const DefaultWorkers = 4

// KeySource opens a key's plaintext for the duration of fn
type KeySource interface {
	WithDecrypted(ctx context.Context, keyID string, fn func(*secure.Secret) error) error
}

// ProbeSource looks up the probe for a provider
type ProbeSource interface {
	Probe(p credential.ProviderType) (probe.Probe, bool)
}

// TransitionFunc is told about every state change after it is stored
type TransitionFunc func(ctx context.Context, status credential.StatusRecord, previous credential.State) error

// Config tunes the reconciler
type Config struct {
	Workers int
	Policy  Policy
}

// Summary counts what a batch did
type Summary struct {
	Checked     int
	Transitions int
	Deferred    int
	Skipped     int
	Discarded   int
	Unknown     int
}

func (s *Summary) add(r result) {
	switch r {
	case resultChecked:
		s.Checked++
	case resultTransition:
		s.Checked++
		s.Transitions++
	case resultDeferred:
		s.Checked++
		s.Deferred++
	case resultUnknown:
		s.Unknown++
	case resultDiscarded:
		s.Discarded++
	default:
		s.Skipped++
	}
}

type result int

const (
	resultSkipped result = iota
	resultChecked
	resultTransition
	resultDeferred
	resultUnknown
	resultDiscarded
)

// Reconciler applies probe verdicts to status records
type Reconciler struct {
	statuses     storage.StatusRepository
	keys         KeySource
	probes       ProbeSource
	cfg          Config
	clock        clock.Clock
	logger       *logging.Logger
	metrics      *metrics.Recorder
	onTransition TransitionFunc

	locks *kmutex.Kmutex

	mu       sync.Mutex
	inflight map[string]map[uint64]context.CancelFunc
	seq      uint64
	retries  map[string]clock.Timer
	baseCtx  context.Context
	stop     context.CancelFunc
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock sets the clock used for timestamps and deferred retries
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) { r.logger = l.Named("reconcile") }
}

// WithTransitionHandler registers the callback for state changes
func WithTransitionHandler(fn TransitionFunc) Option {
	return func(r *Reconciler) { r.onTransition = fn }
}

// New creates a Reconciler
func New(statuses storage.StatusRepository, keys KeySource, probes ProbeSource, cfg Config, opts ...Option) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	cfg.Policy = cfg.Policy.withDefaults()

	r := &Reconciler{
		statuses: statuses,
		keys:     keys,
		probes:   probes,
		cfg:      cfg,
		clock:    clock.WallClock,
		logger:   logging.Discard(),
		metrics:  metrics.NewRecorder(),
		locks:    kmutex.New(),
		inflight: make(map[string]map[uint64]context.CancelFunc),
		retries:  make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.baseCtx, r.stop = context.WithCancel(context.Background())
	return r
}

// SetTransitionHandler replaces the transition callback. It must be called
// before the first reconciliation.
func (r *Reconciler) SetTransitionHandler(fn TransitionFunc) {
	r.onTransition = fn
}

// Policy returns the effective state machine policy
func (r *Reconciler) Policy() Policy {
	return r.cfg.Policy
}

// Track creates the Pending status for a new key. It joins any transaction
// carried by ctx.
func (r *Reconciler) Track(ctx context.Context, key credential.KeyRecord) (credential.StatusRecord, error) {
	st, err := r.statuses.PutStatus(ctx, credential.NewPendingStatus(key, r.clock.Now().UTC()))
	if err != nil {
		return credential.StatusRecord{}, fmt.Errorf("create status for key %s: %w", key.ID, err)
	}
	return st, nil
}

// Forget cancels in-flight probes and pending retries for a key and removes
// its status. A result arriving later is discarded.
func (r *Reconciler) Forget(ctx context.Context, keyID string) error {
	r.Cancel(keyID)
	if err := r.statuses.DeleteStatus(ctx, keyID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete status for key %s: %w", keyID, err)
	}
	return nil
}

// Cancel aborts in-flight probes and the deferred retry for a key
func (r *Reconciler) Cancel(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.inflight[keyID] {
		cancel()
	}
	if t, ok := r.retries[keyID]; ok {
		t.Stop()
		delete(r.retries, keyID)
	}
}

// Status returns a snapshot of one key's status
func (r *Reconciler) Status(ctx context.Context, keyID string) (credential.StatusRecord, error) {
	return r.statuses.GetStatus(ctx, keyID)
}

// Statuses lists status snapshots
func (r *Reconciler) Statuses(ctx context.Context, filter storage.StatusFilter) ([]credential.StatusRecord, error) {
	return r.statuses.ListStatuses(ctx, filter)
}

// ReconcileAll probes every key that is due. Revoked keys and keys waiting
// out a rate limit are skipped.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Summary, error) {
	return r.ReconcileOwner(ctx, "")
}

// ReconcileOwner probes the due keys of one owner, or all owners when ownerID
// is empty
func (r *Reconciler) ReconcileOwner(ctx context.Context, ownerID string) (Summary, error) {
	statuses, err := r.statuses.ListStatuses(ctx, storage.StatusFilter{OwnerID: ownerID})
	if err != nil {
		r.metrics.RecordReconcileRun("error")
		return Summary{}, fmt.Errorf("list statuses: %w", err)
	}
	ids := make([]string, 0, len(statuses))
	for _, st := range statuses {
		ids = append(ids, st.KeyID)
	}
	return r.reconcileBatch(ctx, ids, false)
}

// ReconcileKeys probes the given keys now, ignoring any rate-limit deferral.
// Used after registration and rotation.
func (r *Reconciler) ReconcileKeys(ctx context.Context, keyIDs ...string) (Summary, error) {
	return r.reconcileBatch(ctx, keyIDs, true)
}

// ReconcileKey probes one key now and returns its resulting status
func (r *Reconciler) ReconcileKey(ctx context.Context, keyID string) (credential.StatusRecord, error) {
	if _, err := r.reconcileBatch(ctx, []string{keyID}, true); err != nil {
		return credential.StatusRecord{}, err
	}
	return r.statuses.GetStatus(ctx, keyID)
}

func (r *Reconciler) reconcileBatch(ctx context.Context, keyIDs []string, force bool) (Summary, error) {
	var (
		summary Summary
		mu      sync.Mutex
		g       errgroup.Group
	)
	g.SetLimit(r.cfg.Workers)

	for _, id := range keyIDs {
		if ctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			res := r.reconcileOne(ctx, id, force)
			mu.Lock()
			summary.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		r.metrics.RecordReconcileRun("cancelled")
		return summary, err
	}
	r.metrics.RecordReconcileRun("ok")
	r.logger.Debug("Reconciled %d keys: %d transitions, %d deferred, %d unknown, %d skipped",
		summary.Checked, summary.Transitions, summary.Deferred, summary.Unknown, summary.Skipped)
	return summary, nil
}

// reconcileOne runs one probe cycle for a key under its lock. Errors stay
// local to the key.
func (r *Reconciler) reconcileOne(parent context.Context, keyID string, force bool) result {
	r.locks.Lock(keyID)
	defer r.locks.Unlock(keyID)

	ctx, done := r.begin(parent, keyID)
	defer done()

	cur, err := r.statuses.GetStatus(ctx, keyID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("Failed to read status for key %s: %v", keyID, err)
		}
		return resultSkipped
	}
	if cur.State == credential.StateRevoked {
		return resultSkipped
	}
	now := r.clock.Now().UTC()
	if !force && cur.NextCheckAt != nil && cur.NextCheckAt.After(now) {
		return resultSkipped
	}

	var out Outcome
	pr, ok := r.probes.Probe(cur.Provider)
	if !ok {
		out = MarkUnknown(cur, fmt.Sprintf("no probe configured for provider %s", cur.Provider), now)
	} else {
		var verdict probe.Verdict
		start := time.Now()
		err := r.keys.WithDecrypted(ctx, keyID, func(s *secure.Secret) error {
			verdict = pr.Validate(ctx, s)
			return nil
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return resultDiscarded
		case err != nil:
			r.logger.Error("Cannot probe key %s: %v", keyID, err)
			reason := "key could not be loaded"
			var decErr dserrors.DecryptError
			if errors.As(err, &decErr) {
				reason = "key could not be decrypted"
			}
			out = MarkUnknown(cur, reason, r.clock.Now().UTC())
		default:
			r.metrics.RecordProbe(string(cur.Provider), verdict.Kind.String(), time.Since(start).Seconds())
			out = Apply(cur, verdict, r.clock.Now().UTC(), r.cfg.Policy)
		}
	}

	// A cancelled probe's answer belongs to a batch nobody is waiting on
	if ctx.Err() != nil {
		r.logger.Debug("Discarding result for key %s: %v", keyID, ctx.Err())
		return resultDiscarded
	}

	saved, err := r.statuses.PutStatus(ctx, out.Status)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrVersionConflict) {
			r.logger.Debug("Discarding result for key %s: %v", keyID, err)
			return resultDiscarded
		}
		r.logger.Error("Failed to store status for key %s: %v", keyID, err)
		return resultSkipped
	}

	res := resultChecked
	if out.Changed() {
		res = resultTransition
		r.metrics.RecordTransition(string(out.Previous), string(saved.State))
		r.logger.Info("Key %s (%s): %s -> %s", keyID, saved.Provider, out.Previous, saved.State)
		if r.onTransition != nil {
			if err := r.onTransition(ctx, saved, out.Previous); err != nil {
				r.logger.Error("Transition handler failed for key %s: %v", keyID, err)
			}
		}
	}
	if saved.State == credential.StateUnknown {
		res = resultUnknown
	}
	if out.RetryAfter > 0 {
		r.scheduleRetry(keyID, out.RetryAfter)
		res = resultDeferred
	}
	return res
}

// begin registers a cancellable context for an in-flight probe of keyID
func (r *Reconciler) begin(parent context.Context, keyID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.seq++
	id := r.seq
	if r.inflight[keyID] == nil {
		r.inflight[keyID] = make(map[uint64]context.CancelFunc)
	}
	r.inflight[keyID][id] = cancel
	r.mu.Unlock()

	return ctx, func() {
		cancel()
		r.mu.Lock()
		delete(r.inflight[keyID], id)
		if len(r.inflight[keyID]) == 0 {
			delete(r.inflight, keyID)
		}
		r.mu.Unlock()
	}
}

// scheduleRetry arms a one-shot timer that probes keyID once its deferral
// has passed. A newer deferral replaces an older one.
func (r *Reconciler) scheduleRetry(keyID string, after time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.baseCtx.Err() != nil {
		return
	}
	if t, ok := r.retries[keyID]; ok {
		t.Stop()
	}
	var timer clock.Timer
	timer = r.clock.AfterFunc(after, func() {
		r.mu.Lock()
		if r.retries[keyID] == timer {
			delete(r.retries, keyID)
		}
		r.mu.Unlock()
		r.reconcileOne(r.baseCtx, keyID, false)
	})
	r.retries[keyID] = timer
	r.logger.Debug("Key %s rate limited, retrying in %s", keyID, after)
}

// PendingRetries returns the number of armed deferred retries
func (r *Reconciler) PendingRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retries)
}

// Close stops deferred retries and cancels in-flight probes
func (r *Reconciler) Close() {
	r.stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.retries {
		t.Stop()
		delete(r.retries, id)
	}
	for _, probes := range r.inflight {
		for _, cancel := range probes {
			cancel()
		}
	}
}
