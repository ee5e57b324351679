package pointer

import (
	"fmt"
)

// implemented by wrappers that observe an underlying raw value
type Unwrapper interface {
	Unwrap() any
}

// implemented by raw containers that are not plain maps or slices
type Container interface {
	Child(name string) (any, bool)
}

type Resolver struct {
	// applied to every intermediate value before stepping into it.
	// Used to follow indirection records. May be nil.
	Deref func(value any) (any, error)
}

func Resolve(root any, p Pointer) (any, error) {
	return Resolver{}.Resolve(root, p)
}

// Resolve walks `root` through each name of `p`. Wrappers are unwrapped at
// every step so lookups operate on raw values.
func (self Resolver) Resolve(root any, p Pointer) (any, error) {
	value := Unwrap(root)
	for i, name := range p {
		if self.Deref != nil {
			var err error
			value, err = self.Deref(value)
			if err != nil {
				return nil, err
			}
		}
		child, ok := Child(value, name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p[:i+1])
		}
		value = Unwrap(child)
	}
	return value, nil
}

func Unwrap(value any) any {
	for {
		w, ok := value.(Unwrapper)
		if !ok {
			return value
		}
		value = w.Unwrap()
	}
}

func Child(value any, name string) (any, bool) {
	switch v := value.(type) {
	case Container:
		return v.Child(name)
	case map[string]any:
		child, ok := v[name]
		return child, ok
	case []any:
		i, ok := Index(name)
		if !ok || len(v) <= i {
			return nil, false
		}
		return v[i], true
	default:
		return nil, false
	}
}
