package docsync

import (
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"

	"github.com/bringyour/docsync/docsync/pointer"
)

// Node is the observing wrapper of an object or array in the graph.
//
// Reads record a dependency with the tracker. Writes and deletes are applied
// to local state immediately, queued for the peer, and notified to the
// tracker. Repeated reads of the same property return the same `*Node`.
//
// Values returned by `Get` are nil, bool, float64, string, `*Node`, or an
// `Adapter` such as `*Collection`.
type Node struct {
	ctx *SyncContext
	// *object or *array
	raw  any
	path pointer.Pointer
}

// implemented by accessors returned from adapter loaders
type Adapter interface {
	AdapterNode() *Node
}

func asNode(value any) (*Node, bool) {
	switch v := value.(type) {
	case *Node:
		return v, true
	case Adapter:
		return v.AdapterNode(), true
	default:
		return nil, false
	}
}

func (self *Node) Context() *SyncContext {
	return self.ctx
}

// the home path
func (self *Node) Path() pointer.Pointer {
	return slices.Clone(self.path)
}

// implements `pointer.Unwrapper`
func (self *Node) Unwrap() any {
	return self.raw
}

func (self *Node) IsArray() bool {
	_, ok := self.raw.(*array)
	return ok
}

func (self *Node) Get(key string) (any, error) {
	self.ctx.lock()
	defer self.ctx.unlock()
	return self.get(key)
}

func (self *Node) Index(i int) (any, error) {
	return self.Get(strconv.Itoa(i))
}

func (self *Node) GetNode(key string) (*Node, error) {
	value, err := self.Get(key)
	if err != nil {
		return nil, err
	}
	node, ok := asNode(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotContainer, self.path.Child(key))
	}
	return node, nil
}

func (self *Node) GetString(key string) (string, bool) {
	value, err := self.Get(key)
	if err != nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func (self *Node) GetFloat64(key string) (float64, bool) {
	value, err := self.Get(key)
	if err != nil {
		return 0, false
	}
	f, ok := value.(float64)
	return f, ok
}

func (self *Node) Set(key string, value any) error {
	self.ctx.lock()
	defer self.ctx.unlock()
	return self.set(key, value)
}

func (self *Node) Append(value any) error {
	self.ctx.lock()
	defer self.ctx.unlock()
	a, ok := self.raw.(*array)
	if !ok {
		return fmt.Errorf("%w: %s is not an array", ErrNotContainer, self.path)
	}
	return self.set(strconv.Itoa(len(a.items)), value)
}

func (self *Node) Delete(key string) error {
	self.ctx.lock()
	defer self.ctx.unlock()
	return self.delete(key)
}

func (self *Node) Has(key string) bool {
	self.ctx.lock()
	defer self.ctx.unlock()
	return self.has(key)
}

// object keys are sorted. Array keys are the indexes in order.
func (self *Node) Keys() []string {
	self.ctx.lock()
	defer self.ctx.unlock()
	return self.keys()
}

func (self *Node) Len() int {
	self.ctx.lock()
	defer self.ctx.unlock()
	self.ctx.tracker.RecordRead(self, "", ReadIterate)
	switch v := self.raw.(type) {
	case *object:
		return len(v.fields)
	case *array:
		return len(v.items)
	default:
		return 0
	}
}

// Resolve walks a path relative to this node through the observation layer
func (self *Node) Resolve(p pointer.Pointer) (any, error) {
	self.ctx.lock()
	defer self.ctx.unlock()
	return self.resolve(p)
}

// Value is the json form of the node as serialized at its home path.
// Shared nodes and cycles below it appear as reference records.
func (self *Node) Value() any {
	self.ctx.lock()
	defer self.ctx.unlock()
	self.ctx.tracker.RecordRead(self, "", ReadIterate)
	return self.ctx.encode(self.raw, self.path)
}

func (self *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.Value())
}

func (self *Node) String() string {
	return fmt.Sprintf("Node(%s)", self.path)
}

// the following assume the context lock is held

func (self *Node) get(key string) (any, error) {
	self.ctx.tracker.RecordRead(self, key, ReadGet)
	var value any
	switch v := self.raw.(type) {
	case *object:
		value = v.fields[key]
	case *array:
		if i, ok := pointer.Index(key); ok && i < len(v.items) {
			value = v.items[i]
		}
	}
	return self.ctx.expose(value, self.path.Child(key))
}

func (self *Node) has(key string) bool {
	self.ctx.tracker.RecordRead(self, key, ReadHas)
	switch v := self.raw.(type) {
	case *object:
		_, ok := v.fields[key]
		return ok
	case *array:
		i, ok := pointer.Index(key)
		return ok && i < len(v.items)
	default:
		return false
	}
}

func (self *Node) keys() []string {
	self.ctx.tracker.RecordRead(self, "", ReadIterate)
	switch v := self.raw.(type) {
	case *object:
		return v.keys()
	case *array:
		keys := make([]string, len(v.items))
		for i := range v.items {
			keys[i] = strconv.Itoa(i)
		}
		return keys
	default:
		return []string{}
	}
}

func (self *Node) set(key string, value any) error {
	if err := self.ctx.checkOpen(); err != nil {
		return err
	}
	if _, ok := self.raw.(*array); ok {
		if _, ok := pointer.Index(key); !ok {
			return fmt.Errorf("%w: %q is not an array index", ErrInvalidKey, key)
		}
	}
	childPath := self.path.Child(key)
	raw, err := self.ctx.toRaw(value)
	if err != nil {
		return err
	}
	if isContainer(raw) {
		// track the value first. This homes it at `childPath` and
		// validates adapter tags and reference targets.
		if _, err := self.ctx.expose(raw, childPath); err != nil {
			return err
		}
	}
	encoded, err := json.Marshal(self.ctx.encode(raw, childPath))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidValue, err)
	}
	kind, err := setChild(self.raw, key, raw)
	if err != nil {
		return err
	}
	self.ctx.update(childPath, encoded)
	self.ctx.notify(self, key, kind)
	return nil
}

func (self *Node) delete(key string) error {
	if err := self.ctx.checkOpen(); err != nil {
		return err
	}
	if err := deleteChild(self.raw, key); err != nil {
		return err
	}
	self.ctx.update(self.path.Child(key), nil)
	self.ctx.notify(self, key, ChangeDelete)
	return nil
}

func (self *Node) resolve(p pointer.Pointer) (any, error) {
	var value any = self
	for i, name := range p {
		node, ok := asNode(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, self.path.Append(p[:i+1]...))
		}
		if !node.has(name) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, self.path.Append(p[:i+1]...))
		}
		var err error
		value, err = node.get(name)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}
