package devauthority

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ResetMessage is the canonical payload for password-reset delivery.
type ResetMessage struct {
	Email     string
	Token     string
	ExpiresAt time.Time
}

// EmailSender delivers password-reset messages.
type EmailSender interface {
	SendReset(ctx context.Context, msg ResetMessage) error
}

// LogEmailSender records that a reset was queued. The token is not logged.
type LogEmailSender struct {
	Log *slog.Logger
}

func (s LogEmailSender) SendReset(_ context.Context, msg ResetMessage) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("devauthority.reset_email.queued", "expires_at", msg.ExpiresAt)
	return nil
}

// Outbox keeps delivered messages in memory, newest last.
type Outbox struct {
	mu   sync.Mutex
	msgs []ResetMessage
}

func (o *Outbox) SendReset(_ context.Context, msg ResetMessage) error {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	return nil
}

// Last returns the newest message sent to email.
func (o *Outbox) Last(email string) (ResetMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.msgs) - 1; i >= 0; i-- {
		if o.msgs[i].Email == email {
			return o.msgs[i], true
		}
	}
	return ResetMessage{}, false
}
