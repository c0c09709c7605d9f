package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(pub, nil, 8)

	for _, action := range []string{ActionCompleted, ActionRefunded, ActionVoided} {
		d.Notify(Event{TransactionID: "txn-1", Action: action})
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(pub.events) != 3 || pub.events[2].Action != ActionVoided {
		t.Fatalf("expected 3 events in order, got %+v", pub.events)
	}

	d.Notify(Event{TransactionID: "txn-2"})
	if len(pub.events) != 3 {
		t.Fatalf("events after close must be ignored")
	}
}

func TestDispatcherSurvivesPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub, nil, 2)
	d.Notify(Event{TransactionID: "txn-1", Action: ActionCompleted})
	d.Notify(Event{TransactionID: "txn-2", Action: ActionCompleted})
	_ = d.Close()

	if len(pub.events) != 2 {
		t.Fatalf("expected both events attempted, got %d", len(pub.events))
	}
}
