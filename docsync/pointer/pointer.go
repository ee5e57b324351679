// Package pointer encodes a sequence of property names as a single escaped
// string and resolves such sequences against a tree of values.
//
// The syntax is RFC 6901: a leading `/`, segments separated by `/`, `~1` for a
// literal `/` and `~0` for a literal `~` inside a segment. The empty string
// addresses the root.
package pointer

import (
	"fmt"
	"strconv"
	"strings"
)

// comparable by value with `Equal`. The zero value is the root.
type Pointer []string

var Root = Pointer{}

var (
	escaper   = strings.NewReplacer("~", "~0", "/", "~1")
	unescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

func Parse(pointer string) (Pointer, error) {
	if pointer == "" {
		return Root, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedPointer, pointer)
	}
	names := strings.Split(pointer[1:], "/")
	for i, name := range names {
		// `~1` is replaced before `~0` in a single pass, so `~01` decodes to `~1`
		names[i] = unescaper.Replace(name)
	}
	return Pointer(names), nil
}

func RequireParse(pointer string) Pointer {
	p, err := Parse(pointer)
	if err != nil {
		panic(err)
	}
	return p
}

func New(names ...string) Pointer {
	return Pointer(names)
}

func (self Pointer) String() string {
	var b strings.Builder
	for _, name := range self {
		b.WriteByte('/')
		b.WriteString(escaper.Replace(name))
	}
	return b.String()
}

func (self Pointer) IsRoot() bool {
	return len(self) == 0
}

// returns a new pointer; the receiver is never aliased
func (self Pointer) Child(name string) Pointer {
	child := make(Pointer, len(self), len(self)+1)
	copy(child, self)
	return append(child, name)
}

func (self Pointer) Append(names ...string) Pointer {
	joined := make(Pointer, len(self), len(self)+len(names))
	copy(joined, self)
	return append(joined, names...)
}

func (self Pointer) Parent() Pointer {
	if len(self) == 0 {
		return Root
	}
	return self[:len(self)-1]
}

func (self Pointer) Last() string {
	if len(self) == 0 {
		return ""
	}
	return self[len(self)-1]
}

func (self Pointer) Equal(other Pointer) bool {
	if len(self) != len(other) {
		return false
	}
	for i := range self {
		if self[i] != other[i] {
			return false
		}
	}
	return true
}

func (self Pointer) HasPrefix(prefix Pointer) bool {
	return len(prefix) <= len(self) && self[:len(prefix)].Equal(prefix)
}

// Index parses an array index segment. Only canonical non-negative decimal
// integers are accepted ("0", "12", not "01" or "-1").
func Index(name string) (int, bool) {
	i, err := strconv.Atoi(name)
	if err != nil || i < 0 || strconv.Itoa(i) != name {
		return 0, false
	}
	return i, true
}
