// Package executor is the disconnection executor (C6): on a DoubleUpdate
// for a Home, it fans the proof out to the Home and to every
// watcher-authorized replica's ConnectionManager concurrently and collects
// per-channel outcomes, following the teacher's
// attestation.Service.RequestAttestations fan-out shape (WaitGroup plus
// buffered result channel plus a closer goroutine).
package executor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomad-xyz/watcher/internal/chaindriver"
	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/internal/nomaderr"
)

// Target is one channel the executor must act on: either the Home itself
// (ReplicaName == "") or one replica's ConnectionManager.
type Target struct {
	HomeName    string
	ReplicaName string // empty for the Home's own doubleUpdate submission
	Domain      nomad.Domain
	Updater     nomad.Address
}

// Outcome is one target's terminal result.
type Outcome struct {
	Target  Target
	Success bool
	TxID    *[32]byte
	Err     error
}

// Deadline is the outer invocation deadline (§5): channels still pending
// when it expires are reported as deadline-exceeded failures.
const Deadline = 10 * time.Minute

// Executor fans a DoubleUpdate out to its home and authorized replicas.
type Executor struct {
	driver   chaindriver.Driver
	cmByName func(replicaName string) (chaindriver.ConnectionManager, bool)
	logger   *log.Logger
	recovery nomaderr.Recovery
}

// New constructs an Executor for one Home's DoubleUpdate incidents.
// cmByName resolves a replica name to the ConnectionManager that governs
// it (the caller's config wiring, since a watcher may be authorized on
// ConnectionManagers living on other drivers than the Home's own).
func New(driver chaindriver.Driver, cmByName func(string) (chaindriver.ConnectionManager, bool), logger *log.Logger) *Executor {
	return &Executor{driver: driver, cmByName: cmByName, logger: logger, recovery: nomaderr.DefaultRecovery()}
}

// Execute submits du to the Home and every authorized replica in targets,
// all concurrently, and returns one Outcome per target plus the Home's own
// outcome. A fresh correlation UUID is stamped into every log line for
// this invocation, mirroring the teacher's per-bundle request IDs.
func (e *Executor) Execute(ctx context.Context, homeName string, du nomad.DoubleUpdate, replicas []Target) []Outcome {
	incidentID := uuid.New()
	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	e.logger.Printf("executor[%s]: incident=%s fanning out double_update to home + %d replicas",
		homeName, incidentID, len(replicas))

	targets := append([]Target{{HomeName: homeName}}, replicas...)

	var wg sync.WaitGroup
	results := make(chan Outcome, len(targets))

	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			results <- e.runTarget(ctx, incidentID, t, du)
		}(t)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Outcome, 0, len(targets))
	for o := range results {
		out = append(out, o)
	}
	return out
}

func (e *Executor) runTarget(ctx context.Context, incidentID uuid.UUID, t Target, du nomad.DoubleUpdate) Outcome {
	if t.ReplicaName == "" {
		return e.submitHomeDoubleUpdate(ctx, incidentID, t, du)
	}
	return e.submitUnenroll(ctx, incidentID, t)
}

func (e *Executor) submitHomeDoubleUpdate(ctx context.Context, incidentID uuid.UUID, t Target, du nomad.DoubleUpdate) Outcome {
	var outcome nomad.TxOutcome
	err := e.recovery.Retry(ctx, func(attempt int) error {
		var serr error
		outcome, serr = e.driver.Home().SubmitDoubleUpdate(ctx, du)
		return serr
	})
	if err != nil {
		// The backend itself classifies an already-Failed revert as success
		// (it knows its own revert-reason format best); anything reaching
		// here as an error is a genuine failure for this channel.
		e.logger.Printf("executor[%s]: incident=%s home double_update failed: %v", t.HomeName, incidentID, err)
		return Outcome{Target: t, Success: false, Err: err}
	}
	txID := outcome.TxID
	return Outcome{Target: t, Success: true, TxID: &txID}
}

func (e *Executor) submitUnenroll(ctx context.Context, incidentID uuid.UUID, t Target) Outcome {
	cm, ok := e.cmByName(t.ReplicaName)
	if !ok {
		err := nomaderr.Config("executor: no ConnectionManager configured for replica %q", t.ReplicaName)
		return Outcome{Target: t, Success: false, Err: err}
	}

	sig, err := e.driver.SignUnenrollAuthorization(t.Domain, t.Updater)
	if err != nil {
		return Outcome{Target: t, Success: false, Err: err}
	}

	var outcome nomad.TxOutcome
	err = e.recovery.Retry(ctx, func(attempt int) error {
		var serr error
		outcome, serr = cm.UnenrollReplica(ctx, t.Domain, t.Updater, sig)
		return serr
	})
	if err != nil {
		e.logger.Printf("executor[%s]: incident=%s unenroll %s failed: %v", t.HomeName, incidentID, t.ReplicaName, err)
		return Outcome{Target: t, Success: false, Err: err}
	}
	txID := outcome.TxID
	return Outcome{Target: t, Success: true, TxID: &txID}
}

