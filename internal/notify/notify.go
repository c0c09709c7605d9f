package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"retailpos/backend/internal/logging"
)

const (
	ActionCompleted = "completed"
	ActionVoided    = "voided"
	ActionRefunded  = "refunded"
)

type Event struct {
	TransactionID     string    `json:"transaction_id"`
	TransactionNumber string    `json:"transaction_number"`
	StoreID           string    `json:"store_id"`
	Action            string    `json:"action"`
	Actor             string    `json:"actor"`
	VersionNumber     int       `json:"version_number"`
	ChangeSummary     string    `json:"change_summary,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Notifier is what the orchestrator sees: fire-and-forget.
type Notifier interface {
	Notify(event Event)
}

type Noop struct{}

func (Noop) Notify(_ Event) {}

func (Noop) Publish(_ context.Context, _ Event) error {
	return nil
}

// Dispatcher queues events and publishes them on a background worker.
// When the queue is full the event is dropped and logged.
type Dispatcher struct {
	publisher Publisher
	logger    *logrus.Logger
	timeout   time.Duration
	queue     chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(publisher Publisher, logger *logrus.Logger, size int) *Dispatcher {
	if size < 1 {
		size = 256
	}
	d := &Dispatcher{
		publisher: publisher,
		logger:    logging.OrDiscard(logger),
		timeout:   10 * time.Second,
		queue:     make(chan Event, size),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.logger.WithFields(logrus.Fields{
			"module":         "notify",
			"transaction_id": event.TransactionID,
			"action":         event.Action,
		}).Warn("notification queue full; dropping event")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.publisher.Publish(ctx, event); err != nil {
			logging.LogError(d.logger, "notify", "Publish", "publish transaction event", event, err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
	return nil
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	Logger *logrus.Logger
}

func (p LogPublisher) Publish(_ context.Context, event Event) error {
	logging.OrDiscard(p.Logger).WithFields(logrus.Fields{
		"module":             "notify",
		"transaction_id":     event.TransactionID,
		"transaction_number": event.TransactionNumber,
		"action":             event.Action,
		"actor":              event.Actor,
		"version":            event.VersionNumber,
	}).Info(event.ChangeSummary)
	return nil
}

type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, projectID string, topic string, credentialsJSON string) (*PubSubPublisher, error) {
	var (
		client *pubsub.Client
		err    error
	)
	if credentialsJSON != "" {
		client, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credentialsJSON)))
	} else {
		client, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	return &PubSubPublisher{client: client, topic: client.Topic(topic)}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"action":   event.Action,
			"store_id": event.StoreID,
		},
	})
	_, err = result.Get(ctx)
	return err
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
