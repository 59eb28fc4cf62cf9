package lcm

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/martian-engineering/lcm/internal/lcmstore"
)

// Scheduler runs background full sweeps on a cron schedule, as a supplement
// to the incremental after_turn trigger for conversations that go quiet
// mid-compaction (e.g. a host crash between an incremental leaf pass and
// its condensation passes).
type Scheduler struct {
	cron      *cron.Cron
	store     *lcmstore.Store
	compactor *Compactor
}

// NewScheduler constructs a Scheduler. spec is a standard cron expression
// (e.g. "0 */6 * * *" for every six hours).
func NewScheduler(store *lcmstore.Store, compactor *Compactor) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		store:     store,
		compactor: compactor,
	}
}

// Start registers the periodic sweep job and begins running it in the
// background. It returns an error if spec cannot be parsed.
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.sweepAllConversations)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) sweepAllConversations() {
	ctx := context.Background()
	rows, err := s.store.DB().QueryContext(ctx, `SELECT id FROM conversations;`)
	if err != nil {
		slog.Error("lcm scheduled sweep: list conversations", "error", err)
		return
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			slog.Error("lcm scheduled sweep: scan conversation id", "error", err)
			return
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.compactor.FullSweep(ctx, id, false); err != nil {
			slog.Warn("lcm scheduled sweep failed for conversation", "conversation_id", id, "error", err)
		}
	}
}
