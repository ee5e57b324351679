package docsync

import (
	"sync"

	"github.com/bringyour/docsync/docsync/pointer"
)

// the dependency tracking collaborator. The sync context calls into it and
// does not propagate anything itself.
//
// `RecordRead` is called with the context lock held and must not call back
// into the graph. `NotifyChange` is called after the lock is released, in the
// order the changes were applied, so it may read the graph.
type Tracker interface {
	RecordRead(node *Node, key string, kind ReadKind)
	NotifyChange(node *Node, key string, kind ChangeKind)
}

type ReadKind int

const (
	ReadGet ReadKind = iota
	ReadHas
	// a dependency on the key set. The key is empty.
	ReadIterate
)

type ChangeKind int

const (
	// a new key. Invalidates iteration.
	ChangeAdd ChangeKind = iota
	// an existing key changed value
	ChangeSet
	// invalidates iteration
	ChangeDelete
)

func (self ChangeKind) String() string {
	switch self {
	case ChangeAdd:
		return "add"
	case ChangeSet:
		return "set"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func (self ChangeKind) InvalidatesIteration() bool {
	return self == ChangeAdd || self == ChangeDelete
}

type NoopTracker struct{}

func (self NoopTracker) RecordRead(node *Node, key string, kind ReadKind) {}

func (self NoopTracker) NotifyChange(node *Node, key string, kind ChangeKind) {}

type ChangeEvent struct {
	Node *Node
	Key  string
	Kind ChangeKind
}

func (self *ChangeEvent) Path() pointer.Pointer {
	return self.Node.Path().Child(self.Key)
}

type ChangeFunction func(event *ChangeEvent)

type dependency struct {
	// raw node identity
	raw     any
	key     string
	iterate bool
}

type watchObserver struct {
	dependencies map[dependency]bool
	onInvalidate func()
}

// WatchTracker is a small observer implementation of `Tracker`.
// `Track` captures the reads made by a function and fires once when any of
// them is invalidated. Change callbacks see every change.
//
// Tracking is not goroutine scoped. Run `Track` functions from one goroutine
// at a time.
type WatchTracker struct {
	mutex sync.Mutex

	active         *watchObserver
	nextObserverId int
	observers      map[int]*watchObserver

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewWatchTracker() *WatchTracker {
	return &WatchTracker{
		observers:       map[int]*watchObserver{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *WatchTracker) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Track runs `fn` and records what it reads. `onInvalidate` is called once,
// after the first change to any of those reads. Returns a func to stop
// tracking early.
func (self *WatchTracker) Track(fn func(), onInvalidate func()) func() {
	observer := &watchObserver{
		dependencies: map[dependency]bool{},
		onInvalidate: onInvalidate,
	}

	self.mutex.Lock()
	previous := self.active
	self.active = observer
	self.mutex.Unlock()

	func() {
		defer func() {
			self.mutex.Lock()
			self.active = previous
			self.mutex.Unlock()
		}()
		fn()
	}()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	observerId := self.nextObserverId
	self.nextObserverId += 1
	self.observers[observerId] = observer
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.observers, observerId)
	}
}

func (self *WatchTracker) ObserverCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.observers)
}

func (self *WatchTracker) RecordRead(node *Node, key string, kind ReadKind) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.active == nil {
		return
	}
	d := dependency{
		raw: node.raw,
		key: key,
	}
	if kind == ReadIterate {
		d = dependency{
			raw:     node.raw,
			iterate: true,
		}
	}
	self.active.dependencies[d] = true
}

func (self *WatchTracker) NotifyChange(node *Node, key string, kind ChangeKind) {
	invalidated := []*watchObserver{}
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		for observerId, observer := range self.observers {
			hit := observer.dependencies[dependency{raw: node.raw, key: key}]
			if !hit && kind.InvalidatesIteration() {
				hit = observer.dependencies[dependency{raw: node.raw, iterate: true}]
			}
			if hit {
				delete(self.observers, observerId)
				invalidated = append(invalidated, observer)
			}
		}
	}()

	for _, observer := range invalidated {
		HandleError(observer.onInvalidate)
	}
	event := &ChangeEvent{
		Node: node,
		Key:  key,
		Kind: kind,
	}
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(event)
		})
	}
}
