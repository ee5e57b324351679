package docsync

import (
	"context"
	"encoding/json"
	"flag"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// testTransport records sent messages. Tests push peer messages into
// `receive` directly.
type testTransport struct {
	mutex   sync.Mutex
	sent    [][]byte
	receive chan []byte
	closed  bool
}

func newTestTransport() *testTransport {
	return &testTransport{
		receive: make(chan []byte, 32),
	}
}

func (self *testTransport) Send(message []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return ErrClosed
	}
	self.sent = append(self.sent, message)
	return nil
}

func (self *testTransport) Receive() <-chan []byte {
	return self.receive
}

func (self *testTransport) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
}

func (self *testTransport) Sent() []*Message {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	messages := []*Message{}
	for _, message := range self.sent {
		m, err := ParseMessage(message)
		if err != nil {
			panic(err)
		}
		messages = append(messages, m)
	}
	return messages
}

type testSync struct {
	ctx       *SyncContext
	transport *testTransport
	scheduler *ManualScheduler
	store     *MemoryStore
}

func newTestSync(t *testing.T, editSettings ...func(settings *SyncSettings)) *testSync {
	transport := newTestTransport()
	scheduler := NewManualScheduler()
	store := NewMemoryStore()

	settings := DefaultSyncSettings()
	settings.Scheduler = scheduler
	settings.Store = store
	for _, edit := range editSettings {
		edit(settings)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	syncContext := NewSyncContext(ctx, transport, settings)
	t.Cleanup(syncContext.Close)

	return &testSync{
		ctx:       syncContext,
		transport: transport,
		scheduler: scheduler,
		store:     store,
	}
}

func (self *testSync) handle(t *testing.T, message []byte) {
	err := self.ctx.HandleMessage(message)
	assert.Equal(t, err, nil)
}

func encodeChanges(t *testing.T, version int64, changes ...Change) []byte {
	message, err := EncodeChanges(version, changes)
	assert.Equal(t, err, nil)
	return message
}

func encodeAck(t *testing.T, version int64) []byte {
	message, err := EncodeAck(version)
	assert.Equal(t, err, nil)
	return message
}

func setChange(target string, valueJson string) Change {
	return Change{
		Target: target,
		Value:  json.RawMessage(valueJson),
	}
}

func toJson(t *testing.T, value any) string {
	b, err := json.Marshal(value)
	assert.Equal(t, err, nil)
	return string(b)
}

type recordedChange struct {
	path string
	kind ChangeKind
}

type recordingTracker struct {
	mutex   sync.Mutex
	reads   []string
	changes []recordedChange
}

func (self *recordingTracker) RecordRead(node *Node, key string, kind ReadKind) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.reads = append(self.reads, node.path.Child(key).String())
}

func (self *recordingTracker) NotifyChange(node *Node, key string, kind ChangeKind) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.changes = append(self.changes, recordedChange{
		path: node.Path().Child(key).String(),
		kind: kind,
	})
}

func (self *recordingTracker) Changes() []recordedChange {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	changes := make([]recordedChange, len(self.changes))
	copy(changes, self.changes)
	return changes
}
