// Package supervisor owns every store, driver, and background task the
// watcher runs, wires configuration into them, and cascades cancellation
// through a single root context.Context — the ownership-tree redesign
// described in §9, replacing the source's shared-ownership sync machinery.
package supervisor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"

	"github.com/nomad-xyz/watcher/internal/chaindriver"
	"github.com/nomad-xyz/watcher/internal/chaindriver/evm"
	"github.com/nomad-xyz/watcher/internal/chaindriver/substrate"
	"github.com/nomad-xyz/watcher/internal/config"
	"github.com/nomad-xyz/watcher/internal/detector"
	"github.com/nomad-xyz/watcher/internal/executor"
	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/internal/reporter"
	"github.com/nomad-xyz/watcher/internal/store"
	"github.com/nomad-xyz/watcher/internal/syncloop"
	"github.com/nomad-xyz/watcher/pkg/kvdb"
)

// homeUnit bundles everything the supervisor owns for one monitored Home:
// its driver, its store, its sync loop and detector.
type homeUnit struct {
	name     string
	driver   chaindriver.Driver
	store    *store.Store
	loop     *syncloop.Loop
	detector *detector.Detector
}

// Supervisor owns the full set of Homes this watcher monitors plus the
// shared logger and signing key, and drives them all under one root
// context.
type Supervisor struct {
	cfg    *config.Settings
	logger *log.Logger

	signingKey *ecdsa.PrivateKey
	dataDir    string

	mu    sync.Mutex
	homes map[string]*homeUnit

	reports chan reporter.Output
}

// New constructs a Supervisor. logger is an injected capability per §9's
// "no global state" rule, never a package-level singleton. dataDir is the
// root directory each Home's embedded index-store database is created
// under.
func New(cfg *config.Settings, logger *log.Logger, dataDir string) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		dataDir: dataDir,
		homes:   make(map[string]*homeUnit),
		reports: make(chan reporter.Output, 16),
	}
}

// SetSigningKey installs the watcher's ECDSA signing key, resolved by the
// caller from cfg.SignerKeyRef (an opaque reference; the key bytes
// themselves are never logged by this package).
func (s *Supervisor) SetSigningKey(key *ecdsa.PrivateKey) {
	s.signingKey = key
}

// Reports returns the channel of outcome documents produced by executor
// invocations across every Home this supervisor owns.
func (s *Supervisor) Reports() <-chan reporter.Output { return s.reports }

// dialDriver constructs the chain-agnostic driver for one configured Home,
// dispatching on its configured Platform per §9's sum-type redesign.
func (s *Supervisor) dialDriver(ctx context.Context, cs config.ChainSettings) (chaindriver.Driver, error) {
	switch cs.Platform {
	case "evm":
		var auth *ecdsa.PrivateKey
		if s.signingKey != nil {
			auth = s.signingKey
		}
		return evm.Dial(ctx, cs.RPCURL, evm.Config{
			HomeAddress:  common.HexToAddress(cs.ContractAddr),
			LocalDomain:  nomad.Domain(cs.Domain),
			FinalityLag:  cs.FinalityLag,
			SigningKey:   auth,
			ConnManagers: s.connManagersOnChain(cs.Name),
		})
	case "substrate":
		return substrate.Dial(ctx, cs.RPCURL, substrate.Config{
			HomeAddress: cs.ContractAddr,
			LocalDomain: nomad.Domain(cs.Domain),
			FinalityLag: cs.FinalityLag,
		})
	default:
		return nil, fmt.Errorf("supervisor: unknown platform %q for home %q", cs.Platform, cs.Name)
	}
}

// connManagersOnChain returns the replica-name -> ConnectionManager-address
// map for every configured manager whose Chain matches homeName: the
// home-side ConnectionManager the watcher submits unenrollReplica against
// lives on the same chain as the Home it protects (§4.5).
func (s *Supervisor) connManagersOnChain(homeName string) map[string]common.Address {
	out := make(map[string]common.Address)
	for replicaName, m := range s.cfg.Managers {
		if m.Chain != homeName {
			continue
		}
		out[replicaName] = common.HexToAddress(m.Address)
	}
	return out
}

// Start dials every configured Home, constructs its store/loop/detector,
// and rehydrates each detector from its store. It returns once every Home
// is wired; it starts no goroutines, which Run launches.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, cs := range s.cfg.Homes {
		driver, err := s.dialDriver(ctx, cs)
		if err != nil {
			return fmt.Errorf("supervisor: dialing home %q: %w", name, err)
		}

		db, err := s.openHomeDB(name)
		if err != nil {
			return fmt.Errorf("supervisor: opening store for home %q: %w", name, err)
		}
		st := store.New(kvdb.NewKVAdapter(db))

		loop := syncloop.New(syncloop.Config{
			HomeName:     name,
			Driver:       driver,
			Store:        st,
			DeployHeight: cs.DeployHeight,
			FinalityLag:  cs.FinalityLag,
			PageSize:     cs.IndexPageSize,
		}, s.logger)

		det := detector.New(name, st, loop.Updates(), s.logger)
		if err := det.Rehydrate(); err != nil {
			return fmt.Errorf("supervisor: rehydrating home %q: %w", name, err)
		}

		s.homes[name] = &homeUnit{name: name, driver: driver, store: st, loop: loop, detector: det}
	}
	return nil
}

// Run launches every Home's sync loop and detector, and fans detected
// DoubleUpdates into the disconnection executor. Blocks until ctx is
// cancelled; cancellation cascades to every owned goroutine.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, h := range s.homes {
		wg.Add(1)
		go func(h *homeUnit) {
			defer wg.Done()
			if err := h.loop.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Printf("supervisor: home %q sync loop exited: %v", h.name, err)
			}
		}(h)

		wg.Add(1)
		go func(h *homeUnit) {
			defer wg.Done()
			doubleUpdates := h.detector.Run(ctx)
			for du := range doubleUpdates {
				s.handleDoubleUpdate(ctx, h, du)
			}
		}(h)
	}

	wg.Wait()
	close(s.reports)
	return ctx.Err()
}

// handleDoubleUpdate builds the executor's target list from the watcher's
// configured managers (every manager whose Chain matches this Home and
// whose WatcherPermission check passes), runs the fan-out, and publishes
// the resulting report.
func (s *Supervisor) handleDoubleUpdate(ctx context.Context, h *homeUnit, du nomad.DoubleUpdate) {
	updater, err := h.driver.Home().Updater(ctx)
	if err != nil {
		s.logger.Printf("supervisor: home %q: reading updater before disconnection: %v", h.name, err)
	}

	watcherAddr, err := h.driver.WatcherAddress()
	if err != nil {
		s.logger.Printf("supervisor: home %q: resolving watcher address: %v", h.name, err)
		return
	}

	var targets []executor.Target
	for replicaName, m := range s.cfg.Managers {
		if m.Chain != h.name {
			continue
		}
		cm, ok := h.driver.ConnectionManager(replicaName)
		if !ok {
			continue
		}
		allowed, err := cm.WatcherPermission(ctx, watcherAddr, nomad.Domain(m.Domain))
		if err != nil || !allowed {
			continue
		}
		targets = append(targets, executor.Target{
			HomeName:    h.name,
			ReplicaName: replicaName,
			Domain:      nomad.Domain(m.Domain),
			Updater:     updater,
		})
	}

	cmByName := func(name string) (chaindriver.ConnectionManager, bool) {
		return h.driver.ConnectionManager(name)
	}
	exec := executor.New(h.driver, cmByName, s.logger)
	outcomes := exec.Execute(ctx, h.name, du, targets)

	report := reporter.BuildOutputMessage("disconnect", h.name, outcomes)
	select {
	case s.reports <- report:
	case <-ctx.Done():
	}
}

// openHomeDB opens (or creates) this Home's embedded cometbft-db instance,
// following the teacher's own ledger-DB setup in
// pkg/consensus/bft_integration.go (NewCertenApplicationWithDB): a
// per-unit subdirectory under the configured data root, backed by
// goleveldb.
func (s *Supervisor) openHomeDB(homeName string) (dbm.DB, error) {
	dbDir := filepath.Join(s.dataDir, homeName)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return dbm.NewGoLevelDB("index", dbDir)
}
