// Package alert turns status transitions and audit findings into durable
// alerts and delivers them to the notification collaborator at least once.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/metrics"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

// Notifier is the external delivery collaborator
type Notifier interface {
	Notify(ctx context.Context, alert credential.Alert) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, alert credential.Alert) error

func (f NotifierFunc) Notify(ctx context.Context, alert credential.Alert) error {
	return f(ctx, alert)
}

// DefaultSubscriptionBuffer is the channel size handed to subscribers
const DefaultSubscriptionBuffer = 32

// Dispatcher owns alert records
type Dispatcher struct {
	repo     storage.AlertRepository
	tx       storage.Transactor
	notifier Notifier
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Recorder
	newID    func() string

	// mu serializes alert creation and resolution so duplicate checks hold
	mu sync.Mutex
	// deliverMu serializes outbox passes
	deliverMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan credential.Alert
	nextSub int

	kick chan struct{}
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock sets the clock
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.Named("alert") }
}

// WithTransactor makes multi-record resolutions atomic
func WithTransactor(tx storage.Transactor) Option {
	return func(d *Dispatcher) { d.tx = tx }
}

// WithIDGenerator overrides alert id generation
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// New creates a Dispatcher. A nil notifier leaves alerts in the outbox.
func New(repo storage.AlertRepository, notifier Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:     repo,
		notifier: notifier,
		clock:    clock.WallClock,
		logger:   logging.Discard(),
		metrics:  metrics.NewRecorder(),
		newID:    uuid.NewString,
		subs:     make(map[int]chan credential.Alert),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnStatusTransition applies the status alert policy: entering Error raises
// a warning, entering Revoked raises a critical alert, and returning to
// Active resolves every open alert for the key.
func (d *Dispatcher) OnStatusTransition(ctx context.Context, st credential.StatusRecord, previous credential.State) error {
	if st.State == previous {
		return nil
	}
	switch st.State {
	case credential.StateError:
		msg := fmt.Sprintf("%s key %s of owner %s is failing validation", st.Provider, st.KeyID, st.OwnerID)
		if st.ErrorMessage != "" {
			msg += ": " + st.ErrorMessage
		}
		_, err := d.raise(ctx, credential.SourceStatus, st.KeyID, st.OwnerID, credential.SeverityWarning, msg)
		return err
	case credential.StateRevoked:
		msg := fmt.Sprintf("%s key %s of owner %s was revoked after %d consecutive failures",
			st.Provider, st.KeyID, st.OwnerID, st.ConsecutiveFailures)
		_, err := d.raise(ctx, credential.SourceStatus, st.KeyID, st.OwnerID, credential.SeverityCritical, msg)
		return err
	case credential.StateActive:
		_, err := d.resolve(ctx, storage.AlertFilter{SourceKind: credential.SourceStatus, ReferenceID: st.KeyID})
		return err
	}
	return nil
}

// OnAuditFinding raises an alert for warning and critical findings
func (d *Dispatcher) OnAuditFinding(ctx context.Context, f credential.AuditFinding) error {
	if f.Severity.Rank() < credential.SeverityWarning.Rank() {
		return nil
	}
	msg := fmt.Sprintf("audit rule %s: %s", f.RuleID, f.Description)
	_, err := d.raise(ctx, credential.SourceAudit, f.ID, "", f.Severity, msg)
	return err
}

// OnFindingResolved resolves the alerts raised for a finding
func (d *Dispatcher) OnFindingResolved(ctx context.Context, f credential.AuditFinding) error {
	_, err := d.resolve(ctx, storage.AlertFilter{SourceKind: credential.SourceAudit, ReferenceID: f.ID})
	return err
}

// ResolveForKey resolves open status alerts for a key that no longer exists
func (d *Dispatcher) ResolveForKey(ctx context.Context, keyID string) (int, error) {
	return d.resolve(ctx, storage.AlertFilter{SourceKind: credential.SourceStatus, ReferenceID: keyID})
}

// raise stores a new alert unless an open one with the same source, reference
// and severity exists
func (d *Dispatcher) raise(ctx context.Context, kind credential.SourceKind, ref, owner string, sev credential.Severity, msg string) (credential.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	open, err := d.repo.ListAlerts(ctx, storage.AlertFilter{OpenOnly: true, SourceKind: kind, ReferenceID: ref})
	if err != nil {
		return credential.Alert{}, fmt.Errorf("list open alerts: %w", err)
	}
	for _, a := range open {
		if a.Severity == sev {
			return a, nil
		}
	}

	a := credential.Alert{
		ID:          d.newID(),
		SourceKind:  kind,
		ReferenceID: ref,
		OwnerID:     owner,
		Severity:    sev,
		Message:     msg,
		CreatedAt:   d.clock.Now().UTC(),
	}
	if err := d.repo.InsertAlert(ctx, a); err != nil {
		return credential.Alert{}, fmt.Errorf("store alert: %w", err)
	}
	d.metrics.RecordAlertCreated(string(kind), string(sev))
	d.logger.Info("Alert %s raised [%s]: %s", a.ID, a.Severity, a.Message)
	d.publish(a)
	d.signal()
	return a, nil
}

// resolve marks matching open alerts resolved and queues the resolution
// notice for delivery
func (d *Dispatcher) resolve(ctx context.Context, filter storage.AlertFilter) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	filter.OpenOnly = true
	var resolved []credential.Alert
	err := d.inTx(ctx, func(ctx context.Context) error {
		open, err := d.repo.ListAlerts(ctx, filter)
		if err != nil {
			return fmt.Errorf("list open alerts: %w", err)
		}
		now := d.clock.Now().UTC()
		for _, a := range open {
			at := now
			a.ResolvedAt = &at
			a.DeliveredAt = nil
			if err := d.repo.UpdateAlert(ctx, a); err != nil {
				return fmt.Errorf("resolve alert %s: %w", a.ID, err)
			}
			resolved = append(resolved, a)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, a := range resolved {
		d.logger.Info("Alert %s resolved", a.ID)
		d.publish(a)
	}
	if len(resolved) > 0 {
		d.signal()
	}
	return len(resolved), nil
}

func (d *Dispatcher) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.tx == nil {
		return fn(ctx)
	}
	return d.tx.InTx(ctx, fn)
}

// Acknowledge records who acknowledged an alert. Acknowledging twice keeps
// the first acknowledgement.
func (d *Dispatcher) Acknowledge(ctx context.Context, alertID, actor string) (credential.Alert, error) {
	if actor == "" {
		return credential.Alert{}, dserrors.ValidationError{Field: "actor", Message: "acknowledging user is required"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.repo.GetAlert(ctx, alertID)
	if err != nil {
		return credential.Alert{}, err
	}
	if a.AcknowledgedAt != nil {
		return a, nil
	}
	now := d.clock.Now().UTC()
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = &now
	if err := d.repo.UpdateAlert(ctx, a); err != nil {
		return credential.Alert{}, fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	d.logger.Info("Alert %s acknowledged by %s", alertID, actor)
	return a, nil
}

// Get returns one alert
func (d *Dispatcher) Get(ctx context.Context, alertID string) (credential.Alert, error) {
	return d.repo.GetAlert(ctx, alertID)
}

// List returns alerts matching filter
func (d *Dispatcher) List(ctx context.Context, filter storage.AlertFilter) ([]credential.Alert, error) {
	return d.repo.ListAlerts(ctx, filter)
}

// Deliver sends every undelivered alert to the notifier and marks the ones
// it accepted. Alerts it rejects stay in the outbox for the next pass.
func (d *Dispatcher) Deliver(ctx context.Context) (int, error) {
	if d.notifier == nil {
		return 0, nil
	}
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	pending, err := d.repo.ListAlerts(ctx, storage.AlertFilter{UndeliveredOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list undelivered alerts: %w", err)
	}

	delivered := 0
	var failed []error
	for _, a := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := d.notifier.Notify(ctx, a); err != nil {
			d.metrics.RecordDelivery("failed")
			failed = append(failed, fmt.Errorf("alert %s: %w", a.ID, err))
			continue
		}
		if err := d.markDelivered(ctx, a); err != nil {
			failed = append(failed, err)
			continue
		}
		d.metrics.RecordDelivery("delivered")
		delivered++
	}
	if len(failed) > 0 {
		d.logger.Warn("%d alerts could not be delivered and will be retried", len(failed))
		return delivered, errors.Join(failed...)
	}
	return delivered, nil
}

// markDelivered stamps DeliveredAt unless the alert changed state while it
// was being sent, in which case the newer state still needs delivery
func (d *Dispatcher) markDelivered(ctx context.Context, sent credential.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.repo.GetAlert(ctx, sent.ID)
	if err != nil {
		return fmt.Errorf("reload alert %s: %w", sent.ID, err)
	}
	if (cur.ResolvedAt == nil) != (sent.ResolvedAt == nil) {
		return nil
	}
	now := d.clock.Now().UTC()
	cur.DeliveredAt = &now
	if err := d.repo.UpdateAlert(ctx, cur); err != nil {
		return fmt.Errorf("mark alert %s delivered: %w", sent.ID, err)
	}
	return nil
}

// Subscribe returns a channel receiving every alert as it is raised or
// resolved. Slow subscribers miss alerts rather than block the dispatcher.
func (d *Dispatcher) Subscribe(buffer int) (<-chan credential.Alert, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	ch := make(chan credential.Alert, buffer)

	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
			close(ch)
		})
	}
}

func (d *Dispatcher) publish(a credential.Alert) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for id, ch := range d.subs {
		select {
		case ch <- a:
		default:
			d.logger.Warn("Subscriber %d is full, dropped alert %s", id, a.ID)
		}
	}
}

// signal wakes the delivery worker without blocking
func (d *Dispatcher) signal() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start runs a worker that delivers new alerts as soon as they are raised.
// Periodic redelivery of failed alerts is driven by calling Deliver.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.stop = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.kick:
				if _, err := d.Deliver(ctx); err != nil && ctx.Err() == nil {
					d.logger.Debug("Delivery pass incomplete: %v", err)
				}
			}
		}
	}()
}

// Stop ends the delivery worker
func (d *Dispatcher) Stop() {
	if d.stop != nil {
		d.stop()
	}
	d.wg.Wait()
}
