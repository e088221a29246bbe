// Package detector is the double-update detector (C5), fed by an update
// stream (C4) consisting of a channel from one Home's sync loop. It holds
// an in-memory previous_root -> SignedUpdate map and emits at most one
// DoubleUpdate per Home per process lifetime.
package detector

import (
	"context"
	"log"

	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/internal/store"
)

// Detector watches one Home's update stream for conflicting updates
// sharing a previous_root.
type Detector struct {
	homeName string
	store    *store.Store
	updates  <-chan nomad.SignedUpdate
	logger   *log.Logger

	seen    map[nomad.Root]nomad.SignedUpdate
	tripped bool
}

// New constructs a Detector for one Home. updates is the channel produced
// by that Home's syncloop.Loop; store is used only for cold-start
// rehydration (S5), never polled during steady-state operation.
func New(homeName string, store *store.Store, updates <-chan nomad.SignedUpdate, logger *log.Logger) *Detector {
	return &Detector{
		homeName: homeName,
		store:    store,
		updates:  updates,
		logger:   logger,
		seen:     make(map[nomad.Root]nomad.SignedUpdate),
	}
}

// Rehydrate seeds the in-memory seen map from the durable store before the
// detector starts consuming live updates (S5: cold start).
func (d *Detector) Rehydrate() error {
	persisted, err := d.store.RehydrateSeen()
	if err != nil {
		return err
	}
	for _, u := range persisted {
		d.seen[u.Update.PreviousRoot] = u
	}
	return nil
}

// Run consumes the update channel until it closes or ctx is cancelled,
// sending at most one DoubleUpdate on the returned channel before
// returning. The returned channel has capacity 1 so the emit never blocks
// on the executor being ready to receive.
func (d *Detector) Run(ctx context.Context) <-chan nomad.DoubleUpdate {
	out := make(chan nomad.DoubleUpdate, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-d.updates:
				if !ok {
					return
				}
				if du, fraud := d.observe(u); fraud {
					d.logger.Printf("detector[%s]: double update detected prev=%s roots=[%s,%s]",
						d.homeName, du.PreviousRoot, du.NewRoots[0], du.NewRoots[1])
					select {
					case out <- du:
					case <-ctx.Done():
					}
					return
				}
			}
		}
	}()
	return out
}

// observe applies the state machine transition for one incoming update. An
// already-tripped detector ignores all further input (I3: at most one
// DoubleUpdate per Home per lifetime).
func (d *Detector) observe(u nomad.SignedUpdate) (nomad.DoubleUpdate, bool) {
	if d.tripped {
		return nomad.DoubleUpdate{}, false
	}

	prior, ok := d.seen[u.Update.PreviousRoot]
	if !ok {
		d.seen[u.Update.PreviousRoot] = u
		return nomad.DoubleUpdate{}, false
	}
	if prior.Update.NewRoot == u.Update.NewRoot {
		return nomad.DoubleUpdate{}, false // duplicate, ignore
	}

	du, err := nomad.NewDoubleUpdate(prior, u)
	if err != nil {
		// Both updates share previous_root and differ in new_root by
		// construction of the branches above; NewDoubleUpdate cannot fail
		// here, but surface rather than panic if that invariant ever breaks.
		d.logger.Printf("detector[%s]: unexpected double-update construction error: %v", d.homeName, err)
		return nomad.DoubleUpdate{}, false
	}
	d.tripped = true
	return du, true
}
