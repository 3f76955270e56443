package alert

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Kind identifies the condition an operator is told about
type Kind string

const (
	KindRepeatedFailures Kind = "repeated_failures"
	KindQueueBacklog     Kind = "queue_backlog"
)

// Alert is one operator notification
type Alert struct {
	Kind     Kind                   `json:"kind"`
	Source   string                 `json:"source"`
	Details  map[string]interface{} `json:"details,omitempty"`
	RaisedAt time.Time              `json:"raised_at"`
}

// Notifier delivers alerts to whatever sink the operator watches
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, a Alert) error

func (f NotifierFunc) Notify(ctx context.Context, a Alert) error {
	return f(ctx, a)
}

// LogNotifier writes alerts to the log. It is the sink used when no broker is configured.
type LogNotifier struct {
	logger logr.Logger
}

func NewLogNotifier(logger logr.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	kv := []interface{}{"kind", a.Kind, "source", a.Source, "raised_at", a.RaisedAt}
	for k, v := range a.Details {
		kv = append(kv, k, v)
	}
	n.logger.Info("Operator alert", kv...)
	return nil
}

type cooldownKey struct {
	kind   Kind
	source string
}

// Dispatcher sends alerts fire-and-forget with a cooldown per kind and source.
// Delivery errors are logged and never returned.
type Dispatcher struct {
	notifier Notifier
	cooldown time.Duration
	logger   logr.Logger

	mu       sync.Mutex
	lastSent map[cooldownKey]time.Time

	timeNowFunc func() time.Time
}

func NewDispatcher(notifier Notifier, cooldown time.Duration, logger logr.Logger) *Dispatcher {
	return &Dispatcher{
		notifier:    notifier,
		cooldown:    cooldown,
		logger:      logger,
		lastSent:    make(map[cooldownKey]time.Time),
		timeNowFunc: time.Now,
	}
}

// Raise notifies the operator unless the same kind was sent for source within the cooldown.
// It reports whether the alert was handed to the notifier.
func (d *Dispatcher) Raise(ctx context.Context, kind Kind, source string, details map[string]interface{}) bool {
	if d == nil || d.notifier == nil {
		return false
	}

	now := d.timeNowFunc()
	key := cooldownKey{kind: kind, source: source}
	d.mu.Lock()
	if last, ok := d.lastSent[key]; ok && d.cooldown > 0 && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		return false
	}
	d.lastSent[key] = now
	d.mu.Unlock()

	a := Alert{Kind: kind, Source: source, Details: details, RaisedAt: now}
	if err := d.notifier.Notify(ctx, a); err != nil {
		d.logger.Error(err, "Failed to deliver operator alert", "kind", kind, "source", source)
	}
	return true
}
