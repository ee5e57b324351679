package docsync

import (
	"encoding/json"
	"fmt"
)

// wire messages. All messages are json text.
//
// hello, peer -> client, once at session start:
//   {"id": "<session id>"}
// changes, client -> peer (a batch) and peer -> client (a broadcast):
//   {"version": n, "changes": [{"target": "/a/b", "value": ...}, ...]}
// ack, peer -> client, one per batch:
//   {"version": n}

// Change is a single property set or delete.
type Change struct {
	Target string `json:"target"`
	// absent for a delete. A json null is a set to null.
	Value json.RawMessage `json:"value,omitempty"`
}

func (self Change) IsDelete() bool {
	return len(self.Value) == 0
}

type MessageKind int

const (
	MessageAck MessageKind = iota
	MessageChanges
	MessageHello
)

func (self MessageKind) String() string {
	switch self {
	case MessageAck:
		return "ack"
	case MessageChanges:
		return "changes"
	case MessageHello:
		return "hello"
	default:
		return "unknown"
	}
}

type Message struct {
	Kind    MessageKind
	Id      string
	Version int64
	Changes []Change
}

type wireMessage struct {
	Id      string   `json:"id,omitempty"`
	Version *int64   `json:"version,omitempty"`
	Changes []Change `json:"changes"`
}

type changesMessage struct {
	Version int64    `json:"version"`
	Changes []Change `json:"changes"`
}

type ackMessage struct {
	Version int64 `json:"version"`
}

type helloMessage struct {
	Id string `json:"id"`
}

// ParseMessage classifies a message by shape: an `id` is a hello, a
// `changes` list (possibly empty) is a batch or broadcast, anything else is
// an ack. The version of an ack is informational.
func ParseMessage(message []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(message, &w); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	switch {
	case w.Id != "":
		return &Message{
			Kind: MessageHello,
			Id:   w.Id,
		}, nil
	case w.Changes != nil:
		if w.Version == nil {
			return nil, fmt.Errorf("%w: changes without a version", ErrProtocolViolation)
		}
		return &Message{
			Kind:    MessageChanges,
			Version: *w.Version,
			Changes: w.Changes,
		}, nil
	default:
		m := &Message{
			Kind: MessageAck,
		}
		if w.Version != nil {
			m.Version = *w.Version
		}
		return m, nil
	}
}

func EncodeChanges(version int64, changes []Change) ([]byte, error) {
	if changes == nil {
		changes = []Change{}
	}
	return json.Marshal(&changesMessage{
		Version: version,
		Changes: changes,
	})
}

func EncodeAck(version int64) ([]byte, error) {
	return json.Marshal(&ackMessage{
		Version: version,
	})
}

func EncodeHello(id string) ([]byte, error) {
	return json.Marshal(&helloMessage{
		Id: id,
	})
}

// the persisted form of a session
type Snapshot struct {
	Version int64           `json:"version"`
	Root    json.RawMessage `json:"root"`
}
