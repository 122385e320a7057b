package approval

import (
	"context"
	"time"

	"overseer/pkg/proto"
)

// Sweeper periodically expires overdue approvals and reports each one
// through the notify callback (the orchestrator rolls back the held
// transition there).
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	notify   func(Approval)
}

// NewSweeper builds a sweeper over the ledger.
func NewSweeper(ledger *Ledger, interval time.Duration, notify func(Approval)) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{ledger: ledger, interval: interval, notify: notify}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepOnce(now)
		}
	}
}

// SweepOnce expires everything overdue at the given instant.
func (s *Sweeper) SweepOnce(now time.Time) {
	expired, err := s.ledger.SweepExpired(now)
	if err != nil {
		s.ledger.logger.Error("sweep failed: %v", err)
		return
	}
	for _, a := range expired {
		if a.Resolution != proto.ApprovalTimedOut {
			continue
		}
		if s.notify != nil {
			s.notify(a)
		}
	}
}
