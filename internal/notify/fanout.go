package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/pkg/credential"
)

// Fanout delivers each alert to every accepting channel
type Fanout struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *logging.Logger
}

// NewFanout creates a Fanout over channels
func NewFanout(logger *logging.Logger, channels ...Channel) *Fanout {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Fanout{channels: channels, logger: logger.Named("notify")}
}

// Register adds a channel
func (f *Fanout) Register(c Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, c)
}

// Channels returns a copy of the registered channels
func (f *Fanout) Channels() []Channel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Channel, len(f.channels))
	copy(out, f.channels)
	return out
}

// Notify sends alert to every accepting channel. All channels are attempted;
// the returned error joins every failure, so a retry may repeat deliveries to
// channels that already succeeded.
func (f *Fanout) Notify(ctx context.Context, alert credential.Alert) error {
	var errs []error
	for _, c := range f.Channels() {
		if !c.Accepts(alert) {
			continue
		}
		if err := c.Send(ctx, alert); err != nil {
			f.logger.Warn("Channel %s failed for alert %s: %v", c.Name(), alert.ID, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		f.logger.Debug("Alert %s (%s) sent to %s", alert.ID, EventFor(alert), c.Name())
	}
	return errors.Join(errs...)
}

// Validate checks every channel's configuration
func (f *Fanout) Validate(ctx context.Context) error {
	var errs []error
	for _, c := range f.Channels() {
		if err := c.Validate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}
