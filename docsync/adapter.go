package docsync

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// AdapterLoader builds the accessor for an adapter record. `record` is the
// wrapper of the `[tag, payload]` array. Loaders run with the context lock
// held and must only use unexported node operations or store the node.
type AdapterLoader func(record *Node) (Adapter, error)

type AdapterRegistry struct {
	mutex   sync.RWMutex
	loaders map[string]AdapterLoader
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		loaders: map[string]AdapterLoader{},
	}
}

func NewAdapterRegistryWithBuiltins() *AdapterRegistry {
	registry := NewAdapterRegistry()
	registry.MustRegister(CollectionTag, LoadCollection)
	return registry
}

// the process wide registry used when a context is not given one.
// Populated once at init with the built in adapters. Register additional
// tags at startup only; it is read only after the first context is created.
var DefaultAdapterRegistry = NewAdapterRegistryWithBuiltins()

func (self *AdapterRegistry) Register(tag string, loader AdapterLoader) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if tag == RefTag {
		return fmt.Errorf("%w: %q is reserved for references", ErrDuplicateAdapter, tag)
	}
	if _, ok := self.loaders[tag]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateAdapter, tag)
	}
	self.loaders[tag] = loader
	return nil
}

func (self *AdapterRegistry) MustRegister(tag string, loader AdapterLoader) {
	if err := self.Register(tag, loader); err != nil {
		panic(err)
	}
}

func (self *AdapterRegistry) Loader(tag string) (AdapterLoader, bool) {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	loader, ok := self.loaders[tag]
	return loader, ok
}

func (self *AdapterRegistry) Tags() []string {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	tags := maps.Keys(self.loaders)
	slices.Sort(tags)
	return tags
}
