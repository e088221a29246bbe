// Package chaindriver defines the chain-agnostic Home / Replica /
// ConnectionManager capability set every backend implements, plus the
// Platform sum-type discriminator used to dispatch between them.
//
// This generalizes the teacher's ChainExecutionStrategy + ChainPlatform
// pattern (pkg/chain/strategy): one closed interface plus a string
// discriminator, no deep interface hierarchy.
package chaindriver

import (
	"context"

	"github.com/nomad-xyz/watcher/internal/nomad"
)

// Platform identifies the blockchain platform a Driver speaks.
type Platform string

const (
	PlatformEVM       Platform = "evm"
	PlatformSubstrate Platform = "substrate"
)

func (p Platform) IsValid() bool {
	return p == PlatformEVM || p == PlatformSubstrate
}

// Event is a decoded on-chain event pulled from one poll window, tagged
// with the data the sync loop needs to order and persist it.
type Event struct {
	BlockNumber uint64
	TxIndex     uint
	LogIndex    uint
	Update      *nomad.SignedUpdate
	Message     *nomad.RawCommittedMessage
}

// Home is the read-mostly capability set every chain driver exposes for
// the Home contract it is configured against.
type Home interface {
	LocalDomain() nomad.Domain
	CommittedRoot(ctx context.Context) (nomad.Root, error)
	State(ctx context.Context) (nomad.HomeState, error)
	Updater(ctx context.Context) (nomad.Address, error)
	RawMessageByLeaf(ctx context.Context, leafIndex uint32) (*nomad.RawCommittedMessage, bool, error)
	SubmitDoubleUpdate(ctx context.Context, du nomad.DoubleUpdate) (nomad.TxOutcome, error)
}

// Replica extends Home with the read-only optimistic-window capabilities a
// Replica contract exposes: RemoteDomain, MessageStatus and AcceptableRoot.
// Prove, Process and ProveAndProcess (message relaying) are not part of
// this interface, and Driver does not return a Replica.
type Replica interface {
	Home
	RemoteDomain() nomad.Domain
	MessageStatus(ctx context.Context, leafIndex uint32) (nomad.MessageStatus, error)
	AcceptableRoot(ctx context.Context, root nomad.Root) (bool, error)
}

// ConnectionManager is the per-replica-chain contract that maps domains to
// replicas and tracks watcher unenrollment permissions.
type ConnectionManager interface {
	IsReplica(ctx context.Context, addr nomad.Address) (bool, error)
	WatcherPermission(ctx context.Context, watcher nomad.Address, domain nomad.Domain) (bool, error)
	UnenrollReplica(ctx context.Context, domain nomad.Domain, updater nomad.Address, watcherSig nomad.Signature) (nomad.TxOutcome, error)
}

// Driver is the full chain-agnostic adapter: dialing, event polling, and
// submission for one backend. FetchEvents and TipHeight are the C1 surface
// the sync loop (C3) drives; Home/ConnectionManager narrow the type for
// C5/C6's consumers.
type Driver interface {
	Platform() Platform
	Home() Home
	ConnectionManager(name string) (ConnectionManager, bool)

	// FetchEvents returns every Update and Dispatch event observed in
	// [from, to] (inclusive), where to has already been resolved against
	// the finality lag by the caller. Implementations decode and return
	// events in arbitrary order; the sync loop is responsible for
	// within-block ordering.
	FetchEvents(ctx context.Context, from, to uint64) ([]Event, error)

	// TipHeight returns the chain's current finalized/confirmed tip,
	// i.e. before any finality lag is subtracted.
	TipHeight(ctx context.Context) (uint64, error)

	// RecoverUpdateSigner recovers the address that produced u's signature
	// over the protocol's domain-separated update hash. The sync loop logs
	// (but does not reject) a mismatch against the Home's current updater,
	// since a stale-key signature can still be relevant fraud evidence.
	RecoverUpdateSigner(u nomad.SignedUpdate) (nomad.Address, error)

	// WatcherAddress returns the address corresponding to this driver's
	// configured signing key, used to check WatcherPermission before
	// attempting an unenrollment. Returns a ConfigError if no signer was
	// configured.
	WatcherAddress() (nomad.Address, error)

	// SignUnenrollAuthorization produces the watcher's domain-separated
	// authorization signature over (domain, updater) for UnenrollReplica,
	// using this driver's configured signing key. Returns a ConfigError if
	// no signer was configured.
	SignUnenrollAuthorization(domain nomad.Domain, updater nomad.Address) (nomad.Signature, error)
}
