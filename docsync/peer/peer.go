// Package peer is a reference implementation of the authoritative side of the
// sync protocol. It holds the document, greets each session with an id and
// the full document, acknowledges client batches and broadcasts them to every
// other session.
//
// The peer does not hold back a broadcast from a session that has a batch in
// flight or writes not yet flushed. A client treats such a broadcast as
// `docsync.ErrProtocolViolation` and its session ends, so two clients writing
// at the same time will see one of them fail. The peer is meant for a single
// writer with any number of readers, or writers that take turns.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/docsync/pointer"
)

const maxRefDepth = 64

type PeerSettings struct {
	// if set, the document is persisted under `StateKey` after every commit
	// and loaded on start
	Store    docsync.Store
	StateKey string

	WsTransportSettings *docsync.WsTransportSettings
}

func DefaultPeerSettings() *PeerSettings {
	return &PeerSettings{
		StateKey:            "peer/state",
		WsTransportSettings: docsync.DefaultWsTransportSettings(),
	}
}

type peerSession struct {
	id        docsync.Id
	transport docsync.Transport
}

type Peer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *PeerSettings

	mutex    sync.Mutex
	document map[string]any
	version  int64
	sessions map[docsync.Id]*peerSession
}

func NewPeerWithDefaults(ctx context.Context) *Peer {
	return NewPeer(ctx, DefaultPeerSettings())
}

func NewPeer(ctx context.Context, settings *PeerSettings) *Peer {
	cancelCtx, cancel := context.WithCancel(ctx)
	peer := &Peer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		document: map[string]any{},
		sessions: map[docsync.Id]*peerSession{},
	}
	peer.load()
	return peer
}

func (self *Peer) Version() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.version
}

func (self *Peer) SessionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.sessions)
}

// the `{version, root}` snapshot of the document
func (self *Peer) Snapshot() ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot()
}

func (self *Peer) snapshot() ([]byte, error) {
	root, err := json.Marshal(self.document)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&docsync.Snapshot{
		Version: self.version,
		Root:    root,
	})
}

// Get resolves `p` in the document, following reference records on the way
func (self *Peer) Get(p pointer.Pointer) (any, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, value, err := self.canonical(p, 0)
	return value, err
}

// Serve runs one session on `transport` and blocks until it ends.
func (self *Peer) Serve(transport docsync.Transport) error {
	session := &peerSession{
		id:        docsync.NewId(),
		transport: transport,
	}
	defer transport.Close()

	err := func() error {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		hello, err := docsync.EncodeHello(session.id.String())
		if err != nil {
			return err
		}
		if err := transport.Send(hello); err != nil {
			return err
		}
		root, err := json.Marshal(self.document)
		if err != nil {
			return err
		}
		seed, err := docsync.EncodeChanges(self.version, []docsync.Change{
			{
				Target: pointer.Root.String(),
				Value:  root,
			},
		})
		if err != nil {
			return err
		}
		if err := transport.Send(seed); err != nil {
			return err
		}
		self.sessions[session.id] = session
		return nil
	}()
	if err != nil {
		return err
	}
	glog.V(1).Infof("[peer]session %s open\n", session.id)

	defer func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.sessions, session.id)
		glog.V(1).Infof("[peer]session %s closed\n", session.id)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return nil
		case message, ok := <-transport.Receive():
			if !ok {
				return nil
			}
			m, err := docsync.ParseMessage(message)
			if err != nil {
				glog.Infof("[peer]session %s bad message = %s\n", session.id, err)
				return err
			}
			if m.Kind != docsync.MessageChanges {
				err := fmt.Errorf("%w: client sent %s", docsync.ErrProtocolViolation, m.Kind)
				glog.Infof("[peer]session %s = %s\n", session.id, err)
				return err
			}
			if err := self.commit(session, m); err != nil {
				glog.Infof("[peer]session %s commit = %s\n", session.id, err)
				return err
			}
		}
	}
}

// Handler upgrades requests to websockets and serves a session on each
func (self *Peer) Handler() http.Handler {
	upgrader := &websocket.Upgrader{
		HandshakeTimeout: self.settings.WsTransportSettings.HandshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Infof("[peer]upgrade error = %s\n", err)
			return
		}
		transport := docsync.NewWsTransport(self.ctx, ws, self.settings.WsTransportSettings)
		self.Serve(transport)
	})
}

func (self *Peer) Close() {
	self.cancel()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, session := range self.sessions {
		session.transport.Close()
	}
}

func (self *Peer) commit(session *peerSession, m *docsync.Message) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, change := range m.Changes {
		if err := self.apply(change); err != nil {
			return err
		}
	}
	self.version += 1
	if self.version < m.Version {
		self.version = m.Version
	}
	glog.V(2).Infof("[peer]commit %s version=%d changes=%d\n", session.id, self.version, len(m.Changes))

	ack, err := docsync.EncodeAck(self.version)
	if err != nil {
		return err
	}
	if err := session.transport.Send(ack); err != nil {
		return err
	}

	broadcast, err := docsync.EncodeChanges(self.version, m.Changes)
	if err != nil {
		return err
	}
	// in connect order
	sessionIds := maps.Keys(self.sessions)
	slices.SortFunc(sessionIds, docsync.Id.Compare)
	for _, sessionId := range sessionIds {
		if sessionId == session.id {
			continue
		}
		other := self.sessions[sessionId]
		if err := other.transport.Send(broadcast); err != nil {
			glog.Infof("[peer]broadcast to %s = %s\n", sessionId, err)
			other.transport.Close()
		}
	}

	self.persist()
	return nil
}

type patchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

var jsonNull = json.RawMessage("null")

// apply translates a change record into json patch operations on the
// literal path of the parent, after following reference records.
func (self *Peer) apply(change docsync.Change) error {
	p, err := pointer.Parse(change.Target)
	if err != nil {
		return err
	}

	if p.IsRoot() {
		document := map[string]any{}
		if !change.IsDelete() {
			if err := json.Unmarshal(change.Value, &document); err != nil || document == nil {
				return fmt.Errorf("%w: the root must be an object", docsync.ErrNotContainer)
			}
		}
		self.document = document
		return nil
	}

	parentPath, parent, err := self.canonical(p.Parent(), 0)
	if err != nil {
		return err
	}
	key := p.Last()
	target := parentPath.Child(key).String()

	operations := []*patchOperation{}
	switch v := parent.(type) {
	case map[string]any:
		_, exists := v[key]
		if change.IsDelete() {
			if exists {
				operations = append(operations, &patchOperation{Op: "remove", Path: target})
			}
		} else {
			operations = append(operations, &patchOperation{Op: "add", Path: target, Value: change.Value})
		}
	case []any:
		i, ok := pointer.Index(key)
		if !ok {
			return fmt.Errorf("%w: %q is not an array index", docsync.ErrInvalidKey, key)
		}
		if change.IsDelete() {
			if i < len(v) {
				operations = append(operations, &patchOperation{Op: "replace", Path: target, Value: jsonNull})
			}
		} else if i < len(v) {
			operations = append(operations, &patchOperation{Op: "replace", Path: target, Value: change.Value})
		} else {
			for j := len(v); j < i; j += 1 {
				operations = append(operations, &patchOperation{
					Op:    "add",
					Path:  parentPath.Child(fmt.Sprint(j)).String(),
					Value: jsonNull,
				})
			}
			operations = append(operations, &patchOperation{Op: "add", Path: target, Value: change.Value})
		}
	default:
		return fmt.Errorf("%w: %s", docsync.ErrNotContainer, p.Parent())
	}
	if len(operations) == 0 {
		return nil
	}
	return self.patch(operations)
}

func (self *Peer) patch(operations []*patchOperation) error {
	operationsJson, err := json.Marshal(operations)
	if err != nil {
		return err
	}
	patch, err := jsonpatch.DecodePatch(operationsJson)
	if err != nil {
		return err
	}
	documentJson, err := json.Marshal(self.document)
	if err != nil {
		return err
	}
	patchedJson, err := patch.Apply(documentJson)
	if err != nil {
		return err
	}
	document := map[string]any{}
	if err := json.Unmarshal(patchedJson, &document); err != nil {
		return err
	}
	self.document = document
	return nil
}

// canonical resolves `p` to the literal path of the value it addresses,
// replacing the prefix with the target whenever a reference record is met.
func (self *Peer) canonical(p pointer.Pointer, depth int) (pointer.Pointer, any, error) {
	if maxRefDepth <= depth {
		return nil, nil, fmt.Errorf("%w: reference chain at %s", docsync.ErrPathNotFound, p)
	}
	literal := pointer.Root
	var value any = self.document
	for i, name := range p {
		child, ok := pointer.Child(value, name)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", docsync.ErrPathNotFound, p[:i+1])
		}
		literal = literal.Child(name)
		if target, ok := docsync.RefTarget(child); ok {
			targetPath, err := pointer.Parse(target)
			if err != nil {
				return nil, nil, err
			}
			literal, child, err = self.canonical(targetPath, depth+1)
			if err != nil {
				return nil, nil, err
			}
		}
		value = child
	}
	return literal, value, nil
}

// persistence

func (self *Peer) persist() {
	if self.settings.Store == nil {
		return
	}
	b, err := self.snapshot()
	if err == nil {
		err = self.settings.Store.SetItem(self.settings.StateKey, string(b))
	}
	if err != nil {
		glog.Infof("[peer]could not persist state = %s\n", err)
	}
}

func (self *Peer) load() {
	if self.settings.Store == nil {
		return
	}
	s, ok, err := self.settings.Store.GetItem(self.settings.StateKey)
	if err != nil {
		glog.Infof("[peer]could not load state = %s\n", err)
		return
	}
	if !ok {
		return
	}
	var snapshot docsync.Snapshot
	if err := json.Unmarshal([]byte(s), &snapshot); err != nil {
		glog.Infof("[peer]bad state = %s\n", err)
		return
	}
	document := map[string]any{}
	if err := json.Unmarshal(snapshot.Root, &document); err != nil {
		glog.Infof("[peer]bad state root = %s\n", err)
		return
	}
	self.document = document
	self.version = snapshot.Version
	glog.V(1).Infof("[peer]loaded state version=%d\n", self.version)
}
