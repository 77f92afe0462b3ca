package session

import (
	"sync"
)

// Subscription receives session states. Delivery is latest-wins: the channel
// holds at most one pending state and a newer state replaces an unread one.
type Subscription struct {
	id string
	m  *Machine
	ch chan State

	closeOnce sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the state channel. It is closed by Close or Machine.Close.
func (s *Subscription) C() <-chan State { return s.ch }

// Close unsubscribes. Safe to call multiple times.
func (s *Subscription) Close() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.closeLocked()
}

// closeLocked requires the machine lock.
func (s *Subscription) closeLocked() {
	s.closeOnce.Do(func() {
		delete(s.m.subs, s.id)
		close(s.ch)
	})
}

// offer replaces any unread state with st. Requires the machine lock, which
// makes the machine the only sender.
func (s *Subscription) offer(st State) {
	for {
		select {
		case s.ch <- st:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
