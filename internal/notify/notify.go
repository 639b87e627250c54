// Package notify fans status messages out to the configured operator
// accounts.
package notify

import (
	"context"
	"sync"

	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Service struct {
	log    logx.Logger
	sender kit.Sender

	mu     sync.RWMutex
	owners []int64
}

func New(sender kit.Sender, owners []int64, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		sender: sender,
		owners: append([]int64(nil), owners...),
	}
}

// SetOwners replaces the recipient list (config reload).
func (s *Service) SetOwners(owners []int64) {
	s.mu.Lock()
	s.owners = append(s.owners[:0], owners...)
	s.mu.Unlock()
}

// Broadcast sends the text to every owner. Individual failures are
// logged and do not stop the fan-out.
func (s *Service) Broadcast(ctx context.Context, text string) {
	s.mu.RLock()
	owners := append([]int64(nil), s.owners...)
	s.mu.RUnlock()

	for _, id := range owners {
		if _, err := s.sender.SendText(ctx, kit.ChatTarget{ChatID: id}, text, nil); err != nil {
			s.log.Warn("owner notify failed", logx.Int64("user_id", id), logx.Err(err))
		}
	}
}
