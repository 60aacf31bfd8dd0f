package notify

import (
	"context"

	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/pkg/credential"
)

// LogChannel writes alerts to the logger. Useful in development.
type LogChannel struct {
	logger *logging.Logger
	filter Filter
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *logging.Logger, filter Filter) *LogChannel {
	return &LogChannel{logger: logger.Named("alerts"), filter: filter}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Accepts(a credential.Alert) bool { return c.filter.Accepts(a) }

func (c *LogChannel) Validate(context.Context) error { return nil }

func (c *LogChannel) Send(_ context.Context, a credential.Alert) error {
	if EventFor(a) == EventResolved {
		c.logger.Info("Resolved [%s] %s", a.Severity, a.Message)
		return nil
	}
	switch a.Severity {
	case credential.SeverityCritical:
		c.logger.Error("[%s] %s (alert %s)", a.Severity, a.Message, a.ID)
	case credential.SeverityWarning:
		c.logger.Warn("[%s] %s (alert %s)", a.Severity, a.Message, a.ID)
	default:
		c.logger.Info("[%s] %s (alert %s)", a.Severity, a.Message, a.ID)
	}
	return nil
}
