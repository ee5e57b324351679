package docsync

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bringyour/docsync/docsync/pointer"
)

// raw nodes are the plain storage of the graph. They are only reachable
// through `Node` wrappers and adapters outside this package.
//
// A raw node is annotated with its home path the first time it is exposed
// at a path. The annotation never changes.

type nodeMeta struct {
	homed bool
	home  pointer.Pointer
	ctx   *SyncContext
	// cached wrapper, set together with `accessor` for adapter records
	node     *Node
	accessor Adapter
}

type object struct {
	nodeMeta
	fields map[string]any
}

type array struct {
	nodeMeta
	items []any
}

func newObject() *object {
	return &object{
		fields: map[string]any{},
	}
}

func (self *object) Child(name string) (any, bool) {
	value, ok := self.fields[name]
	return value, ok
}

func (self *object) keys() []string {
	keys := maps.Keys(self.fields)
	slices.Sort(keys)
	return keys
}

func (self *array) Child(name string) (any, bool) {
	i, ok := pointer.Index(name)
	if !ok || len(self.items) <= i {
		return nil, false
	}
	return self.items[i], true
}

func metaOf(value any) *nodeMeta {
	switch v := value.(type) {
	case *object:
		return &v.nodeMeta
	case *array:
		return &v.nodeMeta
	default:
		return nil
	}
}

func isContainer(value any) bool {
	return metaOf(value) != nil
}

// wire records

const RefTag = "ref"

func RefRecord(target pointer.Pointer) []any {
	return []any{RefTag, target.String()}
}

func NewAdapterRecord(tag string, payload any) []any {
	return []any{tag, payload}
}

// RefTarget reports whether `value` is a reference record, as a raw node or
// as decoded json, and returns its pointer.
func RefTarget(value any) (string, bool) {
	var items []any
	switch v := value.(type) {
	case *array:
		items = v.items
	case []any:
		items = v
	default:
		return "", false
	}
	if len(items) != 2 || items[0] != RefTag {
		return "", false
	}
	target, ok := items[1].(string)
	return target, ok
}

// an adapter record is a 2-array of a string tag and a structural payload.
// A scalar second element keeps the array plain, e.g. `["a", "b"]`.
func adapterTag(value *array) (string, bool) {
	if len(value.items) != 2 {
		return "", false
	}
	tag, ok := value.items[0].(string)
	if !ok || tag == RefTag {
		return "", false
	}
	if !isContainer(value.items[1]) {
		return "", false
	}
	return tag, true
}

// conversion from caller values

// converts a caller supplied value into a raw value owned by `self`.
// Nodes of this context keep their identity. Everything else is copied.
func (self *SyncContext) toRaw(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, v)
		}
		return v, nil
	case float32:
		return self.toRaw(float64(v))
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, err)
		}
		return f, nil
	case *object, *array:
		if m := metaOf(v); m.ctx != nil && m.ctx != self {
			return nil, fmt.Errorf("%w: raw node of another context", ErrInvalidValue)
		}
		return v, nil
	case *Node:
		if v.ctx == self {
			return v.raw, nil
		}
		return self.toRaw(v.Value())
	case Adapter:
		return self.toRaw(v.AdapterNode())
	case map[string]any:
		o := newObject()
		for key, child := range v {
			raw, err := self.toRaw(child)
			if err != nil {
				return nil, err
			}
			o.fields[key] = raw
		}
		return o, nil
	case []any:
		a := &array{
			items: make([]any, 0, len(v)),
		}
		for _, child := range v {
			raw, err := self.toRaw(child)
			if err != nil {
				return nil, err
			}
			a.items = append(a.items, raw)
		}
		return a, nil
	default:
		// structs, typed maps and slices go through their json form
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, err)
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, err)
		}
		return fromJSON(decoded), nil
	}
}

// converts decoded json into raw values
func fromJSON(value any) any {
	switch v := value.(type) {
	case map[string]any:
		o := newObject()
		for key, child := range v {
			o.fields[key] = fromJSON(child)
		}
		return o
	case []any:
		a := &array{
			items: make([]any, 0, len(v)),
		}
		for _, child := range v {
			a.items = append(a.items, fromJSON(child))
		}
		return a
	default:
		return v
	}
}

func decodeValue(message json.RawMessage) (any, error) {
	var decoded any
	if err := json.Unmarshal(message, &decoded); err != nil {
		return nil, err
	}
	return fromJSON(decoded), nil
}

// conversion to the wire

// encode renders `value` as it is serialized at `path`. A node whose home
// is elsewhere is rendered as a reference record. Nodes without a home are
// annotated with the path they are encoded at, which is what makes cycles
// terminate.
func (self *SyncContext) encode(value any, path pointer.Pointer) any {
	m := metaOf(value)
	if m == nil {
		return value
	}
	if m.homed {
		if !m.home.Equal(path) {
			return RefRecord(m.home)
		}
	} else {
		self.annotate(m, path)
	}
	switch v := value.(type) {
	case *object:
		out := make(map[string]any, len(v.fields))
		for key, child := range v.fields {
			out[key] = self.encode(child, path.Child(key))
		}
		return out
	case *array:
		out := make([]any, len(v.items))
		for i, child := range v.items {
			out[i] = self.encode(child, path.Child(strconv.Itoa(i)))
		}
		return out
	default:
		return nil
	}
}

func (self *SyncContext) annotate(m *nodeMeta, path pointer.Pointer) {
	m.homed = true
	m.home = slices.Clone(path)
	m.ctx = self
}

// mutation of raw containers, shared by local writes and remote changes

func setChild(container any, key string, value any) (ChangeKind, error) {
	switch v := container.(type) {
	case *object:
		_, exists := v.fields[key]
		v.fields[key] = value
		if exists {
			return ChangeSet, nil
		}
		return ChangeAdd, nil
	case *array:
		i, ok := pointer.Index(key)
		if !ok {
			return 0, fmt.Errorf("%w: %q is not an array index", ErrInvalidKey, key)
		}
		if i < len(v.items) {
			v.items[i] = value
			return ChangeSet, nil
		}
		for len(v.items) < i {
			v.items = append(v.items, nil)
		}
		v.items = append(v.items, value)
		return ChangeAdd, nil
	default:
		return 0, ErrNotContainer
	}
}

// deleting an array element leaves a null hole
func deleteChild(container any, key string) error {
	switch v := container.(type) {
	case *object:
		delete(v.fields, key)
		return nil
	case *array:
		i, ok := pointer.Index(key)
		if !ok {
			return fmt.Errorf("%w: %q is not an array index", ErrInvalidKey, key)
		}
		if i < len(v.items) {
			v.items[i] = nil
		}
		return nil
	default:
		return ErrNotContainer
	}
}
