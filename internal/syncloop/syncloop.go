// Package syncloop is the contract sync loop (C3): one goroutine per Home
// that tails the chain driver for newly finalized events and persists them
// into the durable index store in monotonic order, pushing each signed
// update onward to the detector over a channel.
package syncloop

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/nomad-xyz/watcher/internal/chaindriver"
	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/internal/nomaderr"
	"github.com/nomad-xyz/watcher/internal/store"
)

// Config configures one Home's sync loop.
type Config struct {
	HomeName     string
	Driver       chaindriver.Driver
	Store        *store.Store
	DeployHeight uint64
	FinalityLag  uint64
	PageSize     uint64
	IdleInterval time.Duration // backpressure sleep when caught up to tip-L
}

// Loop is the per-Home background sync task.
type Loop struct {
	cfg      Config
	logger   *log.Logger
	updates  chan nomad.SignedUpdate
	recovery nomaderr.Recovery
}

// New constructs a sync loop. updates is an unbuffered channel the detector
// consumes from; Run blocks sending to it so backpressure from a slow
// detector propagates naturally.
func New(cfg Config, logger *log.Logger) *Loop {
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 2000
	}
	return &Loop{
		cfg:      cfg,
		logger:   logger,
		updates:  make(chan nomad.SignedUpdate),
		recovery: nomaderr.DefaultRecovery(),
	}
}

// Updates returns the channel of signed updates this loop discovers, in
// persisted order. The detector (C5) is the sole consumer.
func (l *Loop) Updates() <-chan nomad.SignedUpdate { return l.updates }

// Run drives the loop until ctx is cancelled. A Fatal error from the
// underlying store or an exhausted retry budget stops the loop and returns
// the error to the supervisor.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.updates)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		advanced, err := l.tick(ctx)
		if err != nil {
			if kind, ok := nomaderr.KindOf(err); ok && kind == nomaderr.KindFatal {
				l.logger.Printf("syncloop[%s]: fatal: %v", l.cfg.HomeName, err)
				return err
			}
			l.logger.Printf("syncloop[%s]: tick error: %v", l.cfg.HomeName, err)
		}

		if !advanced {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.IdleInterval):
			}
		}
	}
}

// tick performs one fetch-order-persist-advance cycle, reporting whether
// the checkpoint moved forward (false means caught up to tip-L).
func (l *Loop) tick(ctx context.Context) (bool, error) {
	from, _, err := l.cfg.Store.LatestIndexedBlock()
	if err != nil {
		return false, err
	}
	if from == 0 {
		from = l.cfg.DeployHeight
	} else {
		from++
	}

	var tip uint64
	err = l.recovery.Retry(ctx, func(attempt int) error {
		var terr error
		tip, terr = l.cfg.Driver.TipHeight(ctx)
		return terr
	})
	if err != nil {
		if nomaderr.IsRetryable(err) {
			return false, nomaderr.Fatal(err, "syncloop[%s]: tip height", l.cfg.HomeName)
		}
		return false, err
	}

	if tip < l.cfg.FinalityLag {
		return false, nil
	}
	safeTip := tip - l.cfg.FinalityLag
	if safeTip <= from {
		return false, nil
	}
	to := safeTip
	if to > from+l.cfg.PageSize {
		to = from + l.cfg.PageSize
	}

	var events []chaindriver.Event
	err = l.recovery.Retry(ctx, func(attempt int) error {
		var ferr error
		events, ferr = l.cfg.Driver.FetchEvents(ctx, from, to)
		return ferr
	})
	if err != nil {
		if nomaderr.IsRetryable(err) {
			return false, nomaderr.Fatal(err, "syncloop[%s]: fetch events [%d,%d]", l.cfg.HomeName, from, to)
		}
		return false, err
	}

	ordered, err := orderEvents(events)
	if err != nil {
		return false, nomaderr.DataIntegrity(err, "syncloop[%s]: ordering window [%d,%d]", l.cfg.HomeName, from, to)
	}

	for _, ev := range ordered {
		if ev.Update != nil {
			if err := l.ingestUpdate(ctx, *ev.Update); err != nil {
				return false, err
			}
		}
		if ev.Message != nil {
			if _, err := l.cfg.Store.PutMessage(*ev.Message); err != nil {
				return false, err
			}
		}
	}

	if err := l.cfg.Store.AdvanceLatestIndexedBlock(to); err != nil {
		return false, err
	}
	return true, nil
}

// ingestUpdate verifies the update's signature (logged, never blocking on
// mismatch — step 4), persists it, and forwards it to the detector.
func (l *Loop) ingestUpdate(ctx context.Context, u nomad.SignedUpdate) error {
	updater, err := l.cfg.Driver.Home().Updater(ctx)
	if err != nil {
		return err
	}
	if recovered, err := l.cfg.Driver.RecoverUpdateSigner(u); err != nil || recovered != updater {
		l.logger.Printf("syncloop[%s]: signature mismatch on update prev=%s new=%s (recovered=%s want=%s)",
			l.cfg.HomeName, u.Update.PreviousRoot, u.Update.NewRoot, recovered, updater)
	}

	if _, err := l.cfg.Store.PutSignedUpdate(u); err != nil {
		return err
	}

	select {
	case l.updates <- u:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// orderEvents sorts a fetched window into the spec's required order:
// updates chained by previous_root -> new_root (topological), dispatches
// ascending by leaf_index, concatenated updates-then-dispatches since the
// detector only cares about update ordering and dispatch ordering
// independently.
func orderEvents(events []chaindriver.Event) ([]chaindriver.Event, error) {
	var updates []chaindriver.Event
	var dispatches []chaindriver.Event
	for _, ev := range events {
		switch {
		case ev.Update != nil:
			updates = append(updates, ev)
		case ev.Message != nil:
			dispatches = append(dispatches, ev)
		}
	}

	orderedUpdates, err := topoSortUpdates(updates)
	if err != nil {
		return nil, err
	}
	sort.Slice(dispatches, func(i, j int) bool {
		return dispatches[i].Message.LeafIndex < dispatches[j].Message.LeafIndex
	})

	out := make([]chaindriver.Event, 0, len(events))
	out = append(out, orderedUpdates...)
	out = append(out, dispatches...)
	return out, nil
}

// topoSortUpdates chains updates by previous_root -> new_root. The head is
// the one update whose previous_root is not any other update's new_root.
// Guarded by an explicit visited set and a round cap of len(updates)
// relaxations; a batch that cannot be fully ordered within that many
// rounds (a cycle, or more than one plausible head) is rejected rather
// than looped on forever.
func topoSortUpdates(updates []chaindriver.Event) ([]chaindriver.Event, error) {
	if len(updates) <= 1 {
		return updates, nil
	}

	isNewRootOfOther := make(map[nomad.Root]bool, len(updates))
	for _, ev := range updates {
		isNewRootOfOther[ev.Update.NewRoot] = true
	}

	byPrev := make(map[nomad.Root]chaindriver.Event, len(updates))
	var heads []chaindriver.Event
	for _, ev := range updates {
		byPrev[ev.Update.PreviousRoot] = ev
		if !isNewRootOfOther[ev.Update.PreviousRoot] {
			heads = append(heads, ev)
		}
	}
	if len(heads) != 1 {
		return nil, errNoUniqueHead(len(heads))
	}

	visited := make(map[nomad.Root]bool, len(updates))
	out := make([]chaindriver.Event, 0, len(updates))
	cur := heads[0]
	for rounds := 0; rounds <= len(updates); rounds++ {
		if visited[cur.Update.PreviousRoot] {
			return nil, errCycle()
		}
		visited[cur.Update.PreviousRoot] = true
		out = append(out, cur)
		if len(out) == len(updates) {
			return out, nil
		}
		next, ok := byPrev[cur.Update.NewRoot]
		if !ok {
			return nil, errBroken()
		}
		cur = next
	}
	return nil, errCycle()
}

func errNoUniqueHead(n int) error {
	return fmt.Errorf("syncloop: no unique head among %d candidate updates", n)
}
func errCycle() error {
	return fmt.Errorf("syncloop: update chain has a cycle or is incomplete")
}
func errBroken() error {
	return fmt.Errorf("syncloop: update chain does not cover the full window")
}
