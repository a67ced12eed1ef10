// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package settlement

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"

	"github.com/katzenpost/porelay/core/identity"
)

// Subscription is a handle on a channel's close notification.
type Subscription struct {
	id     identity.ChannelID
	inner  event.Subscription
	events chan *ClosedChannelEvent

	sync.Mutex
	ended bool
	done  chan struct{}
}

func newSubscription(id identity.ChannelID, inner event.Subscription) *Subscription {
	return &Subscription{
		id:     id,
		inner:  inner,
		events: make(chan *ClosedChannelEvent, 1),
		done:   make(chan struct{}),
	}
}

// ChannelID returns the subscribed channel.
func (s *Subscription) ChannelID() identity.ChannelID {
	return s.id
}

// Events returns the channel the close event is delivered on.  It is
// closed when the subscription ends.
func (s *Subscription) Events() <-chan *ClosedChannelEvent {
	return s.events
}

// Done returns a channel that is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) deliver(ev *ClosedChannelEvent) {
	s.Lock()
	defer s.Unlock()
	if s.ended {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Unsubscribe ends the subscription.  It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.Lock()
	defer s.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.done)
	s.inner.Unsubscribe()
	close(s.events)
}
