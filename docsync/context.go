package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"

	"github.com/bringyour/docsync/docsync/pointer"
)

// the sync context keeps a local graph in sync with the authoritative copy
// held by the peer.
//
// states are (pending, speculation):
// - idle: no pending writes
// - accumulating: pending writes, one flush scheduled for the end of the tick
// - speculative: batches sent and applied locally, not yet acknowledged
//
// transitions:
// - write/delete: append to pending, schedule a flush if none is scheduled
// - flush: version += 1, speculation += 1, send {version, pending}, clear pending
// - ack: requires speculation > 0. speculation -= 1
// - broadcast: requires speculation == 0 and no pending writes. apply the
//   changes, take the version
// after every ack or broadcast the `{version, root}` snapshot is persisted

type SyncSettings struct {
	// how long writes accumulate before a batch is sent
	FlushDelay time.Duration
	// the cache key is `CacheKeyPrefix` + the session id from the hello
	CacheKeyPrefix string
	// if set, used instead of the session id for the cache key
	CacheKey string
	// restore the cached snapshot when the cache key becomes known
	Restore bool

	// defaults to a `ClockScheduler` on `Clock` with `FlushDelay`
	Scheduler FlushScheduler
	Clock     clockwork.Clock
	// defaults to `NoopTracker`
	Tracker Tracker
	// defaults to `DefaultAdapterRegistry`
	Registry *AdapterRegistry
	// defaults to a `MemoryStore`
	Store Store
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		FlushDelay:     1 * time.Millisecond,
		CacheKeyPrefix: "docsync/",
		Restore:        true,
		Clock:          clockwork.NewRealClock(),
	}
}

type ErrorFunction func(err error)

type SyncContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *SyncSettings
	scheduler FlushScheduler
	tracker   Tracker
	registry  *AdapterRegistry
	store     Store

	mutex sync.Mutex

	root     *object
	rootNode *Node

	version        int64
	speculation    int
	pending        []Change
	flushScheduled bool

	sessionId string
	cacheKey  string
	// a broadcast has been applied
	ready bool

	// tracker notifications, delivered when the lock is released
	changes []*ChangeEvent

	closed bool
	err    error

	monitor        *Monitor
	errorCallbacks *CallbackList[ErrorFunction]
}

func NewSyncContextWithDefaults(ctx context.Context, transport Transport) *SyncContext {
	return NewSyncContext(ctx, transport, DefaultSyncSettings())
}

func NewSyncContext(ctx context.Context, transport Transport, settings *SyncSettings) *SyncContext {
	cancelCtx, cancel := context.WithCancel(ctx)

	scheduler := settings.Scheduler
	if scheduler == nil {
		clock := settings.Clock
		if clock == nil {
			clock = clockwork.NewRealClock()
		}
		scheduler = NewClockScheduler(clock, settings.FlushDelay)
	}
	tracker := settings.Tracker
	if tracker == nil {
		tracker = NoopTracker{}
	}
	registry := settings.Registry
	if registry == nil {
		registry = DefaultAdapterRegistry
	}
	store := settings.Store
	if store == nil {
		store = NewMemoryStore()
	}

	syncContext := &SyncContext{
		ctx:            cancelCtx,
		cancel:         cancel,
		transport:      transport,
		settings:       settings,
		scheduler:      scheduler,
		tracker:        tracker,
		registry:       registry,
		store:          store,
		root:           newObject(),
		pending:        []Change{},
		monitor:        NewMonitor(),
		errorCallbacks: NewCallbackList[ErrorFunction](),
	}
	syncContext.annotate(&syncContext.root.nodeMeta, pointer.Root)
	syncContext.rootNode = &Node{
		ctx:  syncContext,
		raw:  syncContext.root,
		path: pointer.Root,
	}
	syncContext.root.node = syncContext.rootNode

	if settings.CacheKey != "" {
		syncContext.lock()
		syncContext.cacheKey = settings.CacheKey
		if settings.Restore {
			syncContext.restore()
		}
		syncContext.unlock()
	}

	return syncContext
}

func (self *SyncContext) Root() *Node {
	return self.rootNode
}

func (self *SyncContext) Version() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.version
}

func (self *SyncContext) Speculation() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.speculation
}

func (self *SyncContext) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending)
}

func (self *SyncContext) SessionId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.sessionId
}

func (self *SyncContext) CacheKey() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.cacheKey
}

func (self *SyncContext) Registry() *AdapterRegistry {
	return self.registry
}

func (self *SyncContext) AddErrorCallback(errorCallback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// path level access through the observation layer

func (self *SyncContext) Get(p pointer.Pointer) (any, error) {
	self.lock()
	defer self.unlock()
	return self.rootNode.resolve(p)
}

func (self *SyncContext) Set(p pointer.Pointer, value any) error {
	self.lock()
	defer self.unlock()
	parent, err := self.parentNode(p)
	if err != nil {
		return err
	}
	return parent.set(p.Last(), value)
}

func (self *SyncContext) Delete(p pointer.Pointer) error {
	self.lock()
	defer self.unlock()
	parent, err := self.parentNode(p)
	if err != nil {
		return err
	}
	return parent.delete(p.Last())
}

func (self *SyncContext) parentNode(p pointer.Pointer) (*Node, error) {
	if p.IsRoot() {
		return nil, fmt.Errorf("%w: the root cannot be replaced locally", ErrInvalidKey)
	}
	value, err := self.rootNode.resolve(p.Parent())
	if err != nil {
		return nil, err
	}
	parent, ok := asNode(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotContainer, p.Parent())
	}
	return parent, nil
}

// Snapshot is the `{version, root}` json that is persisted
func (self *SyncContext) Snapshot() ([]byte, error) {
	self.lock()
	defer self.unlock()
	return self.snapshot()
}

// locking. Tracker change notifications queued while the lock is held are
// delivered on unlock, outside the lock.

func (self *SyncContext) lock() {
	self.mutex.Lock()
}

func (self *SyncContext) unlock() {
	changes := self.changes
	self.changes = nil
	self.mutex.Unlock()

	for _, change := range changes {
		self.tracker.NotifyChange(change.Node, change.Key, change.Kind)
	}
}

func (self *SyncContext) notify(node *Node, key string, kind ChangeKind) {
	self.changes = append(self.changes, &ChangeEvent{
		Node: node,
		Key:  key,
		Kind: kind,
	})
}

func (self *SyncContext) checkOpen() error {
	if self.closed {
		if self.err != nil {
			return fmt.Errorf("%w: %s", ErrClosed, self.err)
		}
		return ErrClosed
	}
	return nil
}

// local writes

// queues a change. `value` is nil for a delete.
func (self *SyncContext) update(path pointer.Pointer, value json.RawMessage) {
	self.pending = append(self.pending, Change{
		Target: path.String(),
		Value:  value,
	})
	if !self.flushScheduled {
		self.flushScheduled = true
		self.scheduler.Schedule(self.scheduledFlush)
	}
}

func (self *SyncContext) scheduledFlush() {
	var err error
	func() {
		self.lock()
		defer self.unlock()
		self.flushScheduled = false
		if self.closed {
			return
		}
		err = self.flush()
	}()
	if err != nil {
		self.fail(err)
	}
}

// Flush sends the pending writes now instead of at the end of the tick
func (self *SyncContext) Flush() error {
	self.lock()
	defer self.unlock()
	if err := self.checkOpen(); err != nil {
		return err
	}
	return self.flush()
}

func (self *SyncContext) flush() error {
	if len(self.pending) == 0 {
		return nil
	}
	// speculative: assume the peer accepts the batch
	self.version += 1
	self.speculation += 1
	message, err := EncodeChanges(self.version, self.pending)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[sync]flush version=%d changes=%d speculation=%d\n", self.version, len(self.pending), self.speculation)
	self.pending = []Change{}
	defer self.monitor.NotifyAll()
	if err := self.transport.Send(message); err != nil {
		return fmt.Errorf("send batch of version %d: %w", self.version, err)
	}
	return nil
}

// remote messages

func (self *SyncContext) HandleMessage(message []byte) error {
	self.lock()
	defer self.unlock()
	if err := self.checkOpen(); err != nil {
		return err
	}
	m, err := ParseMessage(message)
	if err != nil {
		return err
	}
	return self.handle(m)
}

func (self *SyncContext) handle(m *Message) error {
	switch m.Kind {
	case MessageHello:
		self.sessionId = m.Id
		glog.V(1).Infof("[sync]hello session=%s\n", m.Id)
		if self.settings.CacheKey == "" {
			self.cacheKey = self.settings.CacheKeyPrefix + m.Id
			if self.settings.Restore && self.speculation == 0 && len(self.pending) == 0 {
				self.restore()
			}
		}
		return nil

	case MessageAck:
		if self.speculation <= 0 {
			return fmt.Errorf("%w: ack with no unacknowledged batch", ErrProtocolViolation)
		}
		self.speculation -= 1
		glog.V(2).Infof("[sync]ack speculation=%d\n", self.speculation)

	case MessageChanges:
		// local writes, sent or not, are ahead of any broadcast
		if 0 < self.speculation || 0 < len(self.pending) {
			return fmt.Errorf(
				"%w: broadcast of version %d with %d unacknowledged batches and %d pending changes",
				ErrProtocolViolation,
				m.Version,
				self.speculation,
				len(self.pending),
			)
		}
		for _, change := range m.Changes {
			if err := self.applyChange(change); err != nil {
				return err
			}
		}
		self.version = m.Version
		self.ready = true
		glog.V(2).Infof("[sync]broadcast version=%d changes=%d\n", m.Version, len(m.Changes))

	default:
		return fmt.Errorf("%w: message kind %s", ErrProtocolViolation, m.Kind)
	}

	self.persist()
	self.monitor.NotifyAll()
	return nil
}

// applies a change from the peer to the raw graph. Wrapped parents are
// notified to the tracker.
func (self *SyncContext) applyChange(change Change) error {
	p, err := pointer.Parse(change.Target)
	if err != nil {
		return err
	}
	var value any
	if !change.IsDelete() {
		value, err = decodeValue(change.Value)
		if err != nil {
			return fmt.Errorf("%w: value at %s: %s", ErrProtocolViolation, change.Target, err)
		}
	}

	if p.IsRoot() {
		o, ok := value.(*object)
		if change.IsDelete() {
			o, ok = newObject(), true
		}
		if !ok {
			return fmt.Errorf("%w: the root must be an object", ErrNotContainer)
		}
		self.replaceRoot(o)
		return nil
	}

	parent, err := self.resolveRaw(p.Parent())
	if err != nil {
		return err
	}
	key := p.Last()
	kind := ChangeDelete
	if change.IsDelete() {
		err = deleteChild(parent, key)
	} else {
		kind, err = setChild(parent, key, value)
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", change.Target, err)
	}
	if m := metaOf(parent); m != nil && m.node != nil {
		self.notify(m.node, key, kind)
	}
	return nil
}

// replaces the content of the root in place. The root wrapper stays valid.
func (self *SyncContext) replaceRoot(o *object) {
	previous := self.root.fields
	self.root.fields = o.fields
	for _, key := range self.root.keys() {
		if _, ok := previous[key]; ok {
			self.notify(self.rootNode, key, ChangeSet)
		} else {
			self.notify(self.rootNode, key, ChangeAdd)
		}
	}
	for key := range previous {
		if _, ok := self.root.fields[key]; !ok {
			self.notify(self.rootNode, key, ChangeDelete)
		}
	}
}

// persistence

func (self *SyncContext) snapshot() ([]byte, error) {
	root, err := json.Marshal(self.encode(self.root, pointer.Root))
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Snapshot{
		Version: self.version,
		Root:    root,
	})
}

func (self *SyncContext) persist() {
	if self.cacheKey == "" {
		return
	}
	b, err := self.snapshot()
	if err == nil {
		err = self.store.SetItem(self.cacheKey, string(b))
	}
	if err != nil {
		glog.Infof("[sync]could not persist %s = %s\n", self.cacheKey, err)
	}
}

func (self *SyncContext) restore() {
	s, ok, err := self.store.GetItem(self.cacheKey)
	if err != nil {
		glog.Infof("[sync]could not read cache %s = %s\n", self.cacheKey, err)
		return
	}
	if !ok {
		return
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(s), &snapshot); err != nil {
		glog.Infof("[sync]bad cache %s = %s\n", self.cacheKey, err)
		return
	}
	value, err := decodeValue(snapshot.Root)
	if err != nil {
		glog.Infof("[sync]bad cache root %s = %s\n", self.cacheKey, err)
		return
	}
	o, ok := value.(*object)
	if !ok {
		glog.Infof("[sync]bad cache root %s\n", self.cacheKey)
		return
	}
	self.replaceRoot(o)
	self.version = snapshot.Version
	glog.V(1).Infof("[sync]restored %s version=%d\n", self.cacheKey, self.version)
}

// run loop

// Run delivers messages from the transport until the transport or the
// context closes. A protocol violation is fatal: the context closes and the
// error is returned.
func (self *SyncContext) Run() error {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return self.Err()
		case message, ok := <-self.transport.Receive():
			if !ok {
				glog.V(1).Infof("[sync]transport closed\n")
				return self.Err()
			}
			if err := self.HandleMessage(message); err != nil {
				self.fail(err)
				return err
			}
		}
	}
}

func (self *SyncContext) fail(err error) {
	glog.Errorf("[sync]session %s failed = %s\n", self.SessionId(), err)
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.err == nil {
			self.err = err
		}
	}()
	for _, errorCallback := range self.errorCallbacks.Get() {
		HandleError(func() {
			errorCallback(err)
		})
	}
	self.Close()
}

// the error that closed the context, if any
func (self *SyncContext) Err() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

func (self *SyncContext) Close() {
	self.cancel()
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.closed = true
	}()
	self.transport.Close()
	self.monitor.NotifyAll()
}

func (self *SyncContext) Done() <-chan struct{} {
	return self.ctx.Done()
}

// waiting

// WaitForSync blocks until every local write has been sent and acknowledged
func (self *SyncContext) WaitForSync(ctx context.Context) error {
	return self.waitFor(ctx, func() bool {
		return len(self.pending) == 0 && self.speculation == 0
	})
}

// WaitForReady blocks until the first broadcast from the peer has been
// applied. Against the reference peer this is the seed of the full document.
func (self *SyncContext) WaitForReady(ctx context.Context) error {
	return self.waitFor(ctx, func() bool {
		return self.ready
	})
}

// WaitForVersion blocks until the version is at least `version`
func (self *SyncContext) WaitForVersion(ctx context.Context, version int64) error {
	return self.waitFor(ctx, func() bool {
		return version <= self.version
	})
}

func (self *SyncContext) waitFor(ctx context.Context, condition func() bool) error {
	for {
		notify := self.monitor.NotifyChannel()
		done, err := func() (bool, error) {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			if condition() {
				return true, nil
			}
			if self.closed {
				if self.err != nil {
					return false, self.err
				}
				return false, ErrClosed
			}
			return false, nil
		}()
		if done || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}
