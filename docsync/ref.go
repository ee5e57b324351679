package docsync

import (
	"fmt"

	"github.com/bringyour/docsync/docsync/pointer"
)

// a node has exactly one home path. Any other path that reaches it, including
// a cycle back into it, is a reference to the home. On the wire the reference
// is a `["ref", home]` record. In memory it is either the raw node itself
// (written locally) or the record (received from the peer); both expose the
// same wrapper.

// bounds chains of reference records, e.g. a record that points at itself
const maxRefDepth = 64

// expose returns the value handed to callers for the raw `value` found at
// `path`: scalars as is, containers as their cached wrapper or adapter.
func (self *SyncContext) expose(value any, path pointer.Pointer) (any, error) {
	return self.exposeDepth(value, path, 0)
}

func (self *SyncContext) exposeDepth(value any, path pointer.Pointer, depth int) (any, error) {
	switch v := value.(type) {
	case *array:
		if target, ok := RefTarget(v); ok {
			if maxRefDepth <= depth {
				return nil, fmt.Errorf("%w: reference chain at %s", ErrPathNotFound, path)
			}
			targetPath, err := pointer.Parse(target)
			if err != nil {
				return nil, err
			}
			raw, err := self.resolveRaw(targetPath)
			if err != nil {
				return nil, err
			}
			return self.exposeDepth(raw, targetPath, depth+1)
		}
		return self.wrap(v, &v.nodeMeta, path)
	case *object:
		return self.wrap(v, &v.nodeMeta, path)
	default:
		return value, nil
	}
}

func (self *SyncContext) wrap(raw any, m *nodeMeta, path pointer.Pointer) (any, error) {
	if m.homed {
		// the value at `path` is a reference to the home
		path = m.home
	}
	if m.node != nil {
		if m.accessor != nil {
			return m.accessor, nil
		}
		return m.node, nil
	}
	if !m.homed {
		self.annotate(m, path)
	}
	node := &Node{
		ctx:  self,
		raw:  raw,
		path: m.home,
	}
	if a, ok := raw.(*array); ok {
		if tag, ok := adapterTag(a); ok {
			loader, ok := self.registry.Loader(tag)
			if !ok {
				return nil, fmt.Errorf("%w: %q at %s", ErrUnknownAdapter, tag, path)
			}
			accessor, err := loader(node)
			if err != nil {
				return nil, err
			}
			m.node = node
			m.accessor = accessor
			return accessor, nil
		}
	}
	m.node = node
	return node, nil
}

// resolveRaw resolves `p` against the raw root, following reference records
// met on the way and at the end.
func (self *SyncContext) resolveRaw(p pointer.Pointer) (any, error) {
	return self.resolveRawDepth(p, 0)
}

func (self *SyncContext) resolveRawDepth(p pointer.Pointer, depth int) (any, error) {
	resolver := pointer.Resolver{
		Deref: func(value any) (any, error) {
			return self.derefDepth(value, depth+1)
		},
	}
	value, err := resolver.Resolve(self.root, p)
	if err != nil {
		return nil, err
	}
	return self.derefDepth(value, depth+1)
}

func (self *SyncContext) derefDepth(value any, depth int) (any, error) {
	target, ok := RefTarget(value)
	if !ok {
		return value, nil
	}
	if maxRefDepth <= depth {
		return nil, fmt.Errorf("%w: reference chain at %s", ErrPathNotFound, target)
	}
	targetPath, err := pointer.Parse(target)
	if err != nil {
		return nil, err
	}
	return self.resolveRawDepth(targetPath, depth)
}
