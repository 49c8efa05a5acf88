package notification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type captureSender struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (s *captureSender) Send(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *captureSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestDispatch_FansOutToAllSenders(t *testing.T) {
	a := &captureSender{}
	b := &captureSender{}
	d := NewDispatcher(zap.NewNop(), a, b)

	d.Dispatch(Event{
		Type:        EventOrderCreated,
		Audience:    AudienceSeller,
		RecipientID: 7,
		OrderID:     "order-1",
	})

	if err := d.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	for _, s := range []*captureSender{a, b} {
		if len(s.events) != 1 {
			t.Fatalf("sender got %d events, want 1", len(s.events))
		}
		if s.events[0].OrderID != "order-1" {
			t.Fatalf("event orderID = %q, want order-1", s.events[0].OrderID)
		}
		if s.events[0].CreatedAt.IsZero() {
			t.Fatalf("dispatcher must stamp CreatedAt")
		}
		if !s.closed {
			t.Fatalf("Close must close all senders")
		}
	}
}

func TestDispatch_SenderFailureIsSwallowed(t *testing.T) {
	failing := &captureSender{err: errors.New("broker down")}
	d := NewDispatcher(zap.NewNop(), failing)

	d.Dispatch(Event{Type: EventOrderConfirmed, Audience: AudienceBuyer, OrderID: "order-2"})

	if err := d.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if len(failing.events) != 1 {
		t.Fatalf("failing sender must still be invoked")
	}
}
