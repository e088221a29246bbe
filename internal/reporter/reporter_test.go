package reporter

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nomad-xyz/watcher/internal/executor"
)

func TestConfigError(t *testing.T) {
	out := ConfigError("startup", errors.New("missing RPC URL"))
	b, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"command":"startup","message":{"status":"Error","message":"missing RPC URL"}}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestBuildOutputMessage(t *testing.T) {
	txID := [32]byte{0xab, 0xcd}

	tests := []struct {
		name     string
		outcomes []executor.Outcome
		want     string
	}{
		{
			name: "all success",
			outcomes: []executor.Outcome{
				{Target: executor.Target{ReplicaName: ""}, Success: true, TxID: &txID},
				{Target: executor.Target{ReplicaName: "ethereum"}, Success: true, TxID: &txID},
			},
			want: `{"command":"disconnect","message":{"homes":{"moonbeam":{"status":"Success","message":{"replicas":{"_home":{"status":"Success","txHash":"0xabcd000000000000000000000000000000000000000000000000000000000000"},"ethereum":{"status":"Success","txHash":"0xabcd000000000000000000000000000000000000000000000000000000000000"}}}}}}}`,
		},
		{
			name: "all error",
			outcomes: []executor.Outcome{
				{Target: executor.Target{ReplicaName: ""}, Success: false, Err: errors.New("rpc timeout")},
			},
			want: `{"command":"disconnect","message":{"homes":{"moonbeam":{"status":"Error","message":{"replicas":{"_home":{"status":"Error","message":["rpc timeout"]}}}}}}}`,
		},
		{
			name: "mixed success and error",
			outcomes: []executor.Outcome{
				{Target: executor.Target{ReplicaName: ""}, Success: true, TxID: &txID},
				{Target: executor.Target{ReplicaName: "ethereum"}, Success: false, Err: errors.New("already failed")},
			},
			want: `{"command":"disconnect","message":{"homes":{"moonbeam":{"status":"Error","message":{"replicas":{"_home":{"status":"Success","txHash":"0xabcd000000000000000000000000000000000000000000000000000000000000"},"ethereum":{"status":"Error","message":["already failed"]}}}}}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := BuildOutputMessage("disconnect", "moonbeam", tt.outcomes)
			b, err := json.Marshal(out)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("got  %s\nwant %s", b, tt.want)
			}
		})
	}
}

func TestBuildOutputMessageHomeStatusRequiresAllSuccess(t *testing.T) {
	outcomes := []executor.Outcome{
		{Target: executor.Target{ReplicaName: ""}, Success: true},
		{Target: executor.Target{ReplicaName: "ethereum"}, Success: false, Err: errors.New("boom")},
	}
	out := BuildOutputMessage("disconnect", "moonbeam", outcomes)
	if out.Message.FullMessage == nil {
		t.Fatal("expected FullMessage to be set")
	}
	home, ok := out.Message.FullMessage.Homes["moonbeam"]
	if !ok {
		t.Fatal("missing home entry")
	}
	if home.Status != StatusError {
		t.Errorf("home status = %s, want %s", home.Status, StatusError)
	}
}
