package relayclient

import (
	"context"
	"sync"

	"github.com/suptocoder/VitaCare/pkg/events"
)

// WaitForAccessDecision blocks a doctor's waiting room until the patient
// approves or rejects requestID, and returns that decision. Decisions for
// other requests are ignored.
func WaitForAccessDecision(ctx context.Context, s *Subscriber, requestID string) (events.Event, error) {
	decided := make(chan events.Event, 1)
	sub := s.Subscribe(func(e events.Event) {
		if e.Data.RequestID != requestID {
			return
		}
		if e.Type != events.AccessApproved && e.Type != events.AccessRejected {
			return
		}
		select {
		case decided <- e:
		default:
		}
	})
	defer s.Unsubscribe(sub)

	select {
	case e := <-decided:
		return e, nil
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

// PendingRequests is a patient's live list of access requests awaiting a
// decision. New requests appear as ACCESS_REQUESTED or FILE_ACCESS_REQUESTED
// events arrive; a repeated request id replaces the earlier entry.
type PendingRequests struct {
	s   *Subscriber
	sub *Subscription

	mu    sync.Mutex
	order []string
	items map[string]events.Event
}

// TrackPendingRequests starts collecting request events from s.
func TrackPendingRequests(s *Subscriber) *PendingRequests {
	p := &PendingRequests{s: s, items: make(map[string]events.Event)}
	p.sub = s.Subscribe(p.handle)
	return p
}

func (p *PendingRequests) handle(e events.Event) {
	if e.Type != events.AccessRequested && e.Type != events.FileAccessRequested {
		return
	}
	id := e.Data.RequestID
	if id == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[id]; !ok {
		p.order = append(p.order, id)
	}
	p.items[id] = e
}

// List returns pending requests, newest first.
func (p *PendingRequests) List() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, 0, len(p.order))
	for i := len(p.order) - 1; i >= 0; i-- {
		out = append(out, p.items[p.order[i]])
	}
	return out
}

// Len returns the number of pending requests.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Remove drops requestID, e.g. after the patient acted on it.
func (p *PendingRequests) Remove(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[requestID]; !ok {
		return
	}
	delete(p.items, requestID)
	for i, id := range p.order {
		if id == requestID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Stop unsubscribes the list from further events.
func (p *PendingRequests) Stop() {
	p.s.Unsubscribe(p.sub)
}
