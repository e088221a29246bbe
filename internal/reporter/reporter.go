// Package reporter is the result reporter (C7): it serializes the
// executor's per-channel outcome matrix into the stable structured
// document described in §6, grouping replica outcomes under their home and
// aggregating home status from replica status. Ported field-for-field from
// original_source/tools/killswitch/src/output.rs's build_output_message.
package reporter

import (
	"encoding/hex"
	"encoding/json"

	"github.com/nomad-xyz/watcher/internal/executor"
)

// Status is a channel or home's terminal success/failure classification.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusError   Status = "Error"
)

// ReplicaOutput is one replica's outcome under a home.
type ReplicaOutput struct {
	Status  Status   `json:"status"`
	TxHash  *string  `json:"txHash,omitempty"`
	Message []string `json:"message,omitempty"`
}

// ReplicasOutput maps replica name to its outcome.
type ReplicasOutput struct {
	Replicas map[string]ReplicaOutput `json:"replicas"`
}

// HomeOutput is one home's aggregate status plus its replica breakdown.
type HomeOutput struct {
	Status  Status         `json:"status"`
	Message ReplicasOutput `json:"message"`
}

// HomesOutput maps home name to its outcome, the full-message shape.
type HomesOutput struct {
	Homes map[string]HomeOutput `json:"homes"`
}

// SimpleErrorOutput is the short-circuit shape for pre-flight configuration
// errors: no per-channel breakdown is possible because nothing ran.
type SimpleErrorOutput struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Message is the outcome document's message field: either a SimpleError or
// a full per-home/per-replica breakdown. Exactly one of the two is set.
type Message struct {
	SimpleError *SimpleErrorOutput
	FullMessage *HomesOutput
}

// Output is the full outcome document: {command, message}.
type Output struct {
	Command string  `json:"command"`
	Message Message `json:"message"`
}

// MarshalJSON emits whichever of SimpleError/FullMessage is set, untagged,
// matching the Rust original's untagged serde representation.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.SimpleError != nil {
		return json.Marshal(m.SimpleError)
	}
	if m.FullMessage != nil {
		return json.Marshal(m.FullMessage)
	}
	return []byte("null"), nil
}

// ConfigError builds the pre-flight short-circuit document for a
// configuration error that prevented the executor from running at all.
func ConfigError(command string, err error) Output {
	return Output{
		Command: command,
		Message: Message{SimpleError: &SimpleErrorOutput{Status: StatusError, Message: err.Error()}},
	}
}

// BuildOutputMessage aggregates a set of per-channel outcomes into the full
// per-home/per-replica document. outcomes is the flat list the executor
// returns for one DoubleUpdate incident; homeName identifies the
// fraudulent Home all these outcomes are grouped under.
//
// A home's status is Success iff every one of its replicas (and the home's
// own double_update submission) succeeded — ported from build_output_message.
func BuildOutputMessage(command, homeName string, outcomes []executor.Outcome) Output {
	replicas := make(map[string]ReplicaOutput, len(outcomes))
	homeStatus := StatusSuccess

	for _, o := range outcomes {
		name := o.Target.ReplicaName
		if name == "" {
			name = "_home" // the home's own double_update submission, not a replica channel
		}
		ro := ReplicaOutput{}
		if o.Success {
			ro.Status = StatusSuccess
			if o.TxID != nil {
				h := "0x" + hex.EncodeToString(o.TxID[:])
				ro.TxHash = &h
			}
		} else {
			ro.Status = StatusError
			homeStatus = StatusError
			if o.Err != nil {
				ro.Message = []string{o.Err.Error()}
			}
		}
		replicas[name] = ro
	}

	return Output{
		Command: command,
		Message: Message{FullMessage: &HomesOutput{
			Homes: map[string]HomeOutput{
				homeName: {
					Status:  homeStatus,
					Message: ReplicasOutput{Replicas: replicas},
				},
			},
		}},
	}
}
