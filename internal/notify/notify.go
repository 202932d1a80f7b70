// Package notify delivers TransitionCompleted events to downstream systems.
// Delivery is fire-and-forget: the engine never waits on or fails because of
// a dispatcher.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// Driver is a synchronous dispatcher with a name used in metrics.
type Driver interface {
	model.NotificationDispatcher
	Name() string
}

// New builds the configured driver wrapped in an AsyncDispatcher.
func New(ctx context.Context, cfg config.NotificationsConfig, logger *zap.Logger, metrics *observability.Metrics) (*AsyncDispatcher, error) {
	var driver Driver
	switch cfg.Driver {
	case "", "log":
		driver = NewLogDispatcher(logger)
	case "nats":
		url := os.Getenv(cfg.NATS.URLEnv)
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url, nats.Name("admissions"))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		driver = NewNATSDispatcher(conn, cfg.NATS.SubjectPrefix)
	case "sns":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.SNS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.SNS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		driver = NewSNSDispatcher(sns.NewFromConfig(awsCfg), cfg.SNS.TopicARN)
	default:
		return nil, fmt.Errorf("unsupported notifications driver %q", cfg.Driver)
	}
	return NewAsyncDispatcher(driver, cfg.BufferSize, logger, metrics), nil
}

// LogDispatcher writes events to the log.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.Named("notify")}
}

// Name returns "log".
func (d *LogDispatcher) Name() string { return "log" }

// Notify logs ev.
func (d *LogDispatcher) Notify(_ context.Context, ev model.TransitionCompleted) error {
	from := ""
	if ev.FromStageID != nil {
		from = *ev.FromStageID
	}
	d.logger.Info("transition completed",
		zap.String("event_id", ev.EventID),
		zap.String("application_id", ev.ApplicationID),
		zap.String("application_type", ev.ApplicationType),
		zap.String("from_stage_id", from),
		zap.String("to_stage_id", ev.ToStageID),
		zap.Bool("terminal", ev.Terminal),
		zap.String("outcome", ev.Outcome),
	)
	return nil
}

// MemoryDispatcher keeps events in memory. For tests.
type MemoryDispatcher struct {
	mu     sync.Mutex
	events []model.TransitionCompleted
}

// NewMemoryDispatcher creates an empty MemoryDispatcher.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{}
}

// Name returns "memory".
func (d *MemoryDispatcher) Name() string { return "memory" }

// Notify records ev.
func (d *MemoryDispatcher) Notify(_ context.Context, ev model.TransitionCompleted) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (d *MemoryDispatcher) Events() []model.TransitionCompleted {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.TransitionCompleted(nil), d.events...)
}

func encode(ev model.TransitionCompleted) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}
	return data, nil
}
