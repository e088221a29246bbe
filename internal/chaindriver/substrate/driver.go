package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nomad-xyz/watcher/internal/chaindriver"
	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/internal/nomaderr"
)

// Config configures one Substrate chain driver instance. Mirrors
// CosmWasmStrategyConfig's shape: base connection info plus the one
// contract/pallet address this Home is deployed at.
type Config struct {
	RPCURL      string
	HomeAddress string // SS58 or hex-encoded pallet/contract identifier
	LocalDomain nomad.Domain
	FinalityLag uint64
}

// rpcClient is a minimal JSON-RPC 2.0 client over HTTP. No third-party
// Substrate/Polkadot client library appears in the reference corpus, so
// this talks generic JSON-RPC directly rather than depending on a
// metadata-driven SDK; see DESIGN.md.
type rpcClient struct {
	url string
	hc  *http.Client
}

func newRPCClient(url string) *rpcClient {
	return &rpcClient{url: url, hc: &http.Client{Timeout: 15 * time.Second}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *rpcClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("substrate rpc %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// Driver is the Substrate backend. Event decoding and extrinsic submission
// require a metadata-driven SCALE decoder this package does not implement;
// those paths return Config errors rather than silently
// no-opping, so a misconfigured Substrate home fails loudly instead of
// reporting false liveness.
type Driver struct {
	rpc  *rpcClient
	cfg  Config
	home *homeCapability
}

// Dial constructs a Substrate driver against a JSON-RPC endpoint.
func Dial(_ context.Context, url string, cfg Config) (*Driver, error) {
	d := &Driver{rpc: newRPCClient(url), cfg: cfg}
	d.home = &homeCapability{driver: d}
	return d, nil
}

func (d *Driver) Platform() chaindriver.Platform { return chaindriver.PlatformSubstrate }

func (d *Driver) Home() chaindriver.Home { return d.home }

// ConnectionManager is not yet implemented for Substrate homes: watcher
// permission and replica enrollment live in pallet storage this driver does
// not yet decode.
func (d *Driver) ConnectionManager(name string) (chaindriver.ConnectionManager, bool) {
	return nil, false
}

// TipHeight reads the current best block number via chain_getHeader.
func (d *Driver) TipHeight(ctx context.Context) (uint64, error) {
	var header struct {
		Number string `json:"number"` // hex-encoded, e.g. "0x1a2b"
	}
	if err := d.rpc.call(ctx, "chain_getHeader", nil, &header); err != nil {
		return 0, nomaderr.Transport(err, "substrate: chain_getHeader")
	}
	var n uint64
	if _, err := fmt.Sscanf(header.Number, "0x%x", &n); err != nil {
		return 0, nomaderr.DataIntegrity(err, "substrate: parse block number %q", header.Number)
	}
	return n, nil
}

// RecoverUpdateSigner requires the runtime's native signature scheme
// (Ed25519/Sr25519), not ECDSA recovery; not implemented for this thin
// client.
func (d *Driver) RecoverUpdateSigner(u nomad.SignedUpdate) (nomad.Address, error) {
	return nomad.Address{}, nomaderr.Config("substrate: signature recovery not implemented for this backend")
}

// WatcherAddress requires a configured native keypair this thin client
// does not yet manage.
func (d *Driver) WatcherAddress() (nomad.Address, error) {
	return nomad.Address{}, nomaderr.Config("substrate: no signing key configured for this backend")
}

// SignUnenrollAuthorization requires a configured native keypair this thin
// client does not yet manage.
func (d *Driver) SignUnenrollAuthorization(domain nomad.Domain, updater nomad.Address) (nomad.Signature, error) {
	return nomad.Signature{}, nomaderr.Config("substrate: watcher signing not implemented for this backend")
}

// FetchEvents requires decoding pallet events against runtime metadata
// (state_getMetadata + a full SCALE event decoder), which is out of scope
// for this thin client. TODO: wire a metadata cache and event decoder once
// a concrete Substrate-based Home pallet layout is fixed.
func (d *Driver) FetchEvents(ctx context.Context, from, to uint64) ([]chaindriver.Event, error) {
	return nil, nomaderr.Config("substrate: event decoding not implemented for this backend")
}

type homeCapability struct {
	driver *Driver
}

func (h *homeCapability) LocalDomain() nomad.Domain { return h.driver.cfg.LocalDomain }

func (h *homeCapability) CommittedRoot(ctx context.Context) (nomad.Root, error) {
	return nomad.Root{}, nomaderr.Config("substrate: CommittedRoot requires pallet storage decoding, not implemented")
}

func (h *homeCapability) State(ctx context.Context) (nomad.HomeState, error) {
	return 0, nomaderr.Config("substrate: State requires pallet storage decoding, not implemented")
}

func (h *homeCapability) Updater(ctx context.Context) (nomad.Address, error) {
	return nomad.Address{}, nomaderr.Config("substrate: Updater requires pallet storage decoding, not implemented")
}

func (h *homeCapability) RawMessageByLeaf(ctx context.Context, leafIndex uint32) (*nomad.RawCommittedMessage, bool, error) {
	return nil, false, nomaderr.Config("substrate: RawMessageByLeaf must be resolved via the index store, not the driver")
}

// SubmitDoubleUpdate encodes the double_update call arguments and then
// returns a Config error without submitting anything: signing requires a
// configured keypair and the pallet's call index, neither of which this
// thin client resolves.
func (h *homeCapability) SubmitDoubleUpdate(ctx context.Context, du nomad.DoubleUpdate) (nomad.TxOutcome, error) {
	encodeDoubleUpdateCall(du)
	return nomad.TxOutcome{}, nomaderr.Config("substrate: extrinsic signing not implemented for this backend")
}

// encodeDoubleUpdateCall SCALE-encodes the double_update call arguments
// (previous_root, two new roots, two signatures) ahead of extrinsic
// construction, exercising the package's SCALE subset even though
// submission itself is not yet wired.
func encodeDoubleUpdateCall(du nomad.DoubleUpdate) []byte {
	var buf bytes.Buffer
	buf.Write(du.PreviousRoot[:])
	buf.Write(du.NewRoots[0][:])
	buf.Write(du.NewRoots[1][:])
	buf.Write(encodeBytes(du.Signatures[0][:]))
	buf.Write(encodeBytes(du.Signatures[1][:]))
	return buf.Bytes()
}
