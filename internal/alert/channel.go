package alert

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/tierkeeper/internal/config"
	"github.com/lazypower/tierkeeper/internal/model"
)

// Channel delivers an alert to whoever needs to see it.
type Channel interface {
	Send(ctx context.Context, a model.Alert) error
}

// NewChannel creates a channel based on the alerts config.
func NewChannel(cfg config.AlertsConfig, logger *zap.Logger) (Channel, error) {
	switch cfg.Channel {
	case "log", "":
		return NewLogChannel(logger), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("webhook alert channel requires webhook_url")
		}
		return NewWebhook(cfg.WebhookURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown alert channel: %q", cfg.Channel)
	}
}

// LogChannel writes alerts to the process log.
type LogChannel struct {
	log *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{log: logger.Named("alert")}
}

func (l *LogChannel) Send(ctx context.Context, a model.Alert) error {
	fields := []zap.Field{
		zap.String("kind", string(a.Kind)),
		zap.String("tier", a.TierID),
		zap.Int64("id", a.ID),
	}
	if a.Severity == model.SeverityCritical {
		l.log.Error(a.Message, fields...)
	} else {
		l.log.Warn(a.Message, fields...)
	}
	return nil
}
