package docsync

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCycle(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	root.Set("x", map[string]any{})
	x, err := root.GetNode("x")
	assert.Equal(t, err, nil)

	err = x.Set("y", x)
	assert.Equal(t, err, nil)
	y, err := x.GetNode("y")
	assert.Equal(t, err, nil)
	assert.Equal(t, y == x, true)
	assert.Equal(t, y.Path().String(), "/x")

	z, err := y.GetNode("y")
	assert.Equal(t, err, nil)
	assert.Equal(t, z == x, true)

	// serialization terminates with a reference to the home
	assert.Equal(t, toJson(t, root), `{"x":{"y":["ref","/x"]}}`)

	s.scheduler.Run()
	sent := s.transport.Sent()
	assert.Equal(t, string(sent[0].Changes[1].Value), `["ref","/x"]`)
}

func TestSharedReference(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	root.Set("a", map[string]any{"v": 1})
	a, err := root.GetNode("a")
	assert.Equal(t, err, nil)

	err = root.Set("b", a)
	assert.Equal(t, err, nil)
	b, err := root.GetNode("b")
	assert.Equal(t, err, nil)
	assert.Equal(t, b == a, true)

	// a write through either path lands at the home
	b.Set("v", 2)
	v, _ := a.GetFloat64("v")
	assert.Equal(t, v, float64(2))

	s.scheduler.Run()
	sent := s.transport.Sent()
	changes := sent[0].Changes
	assert.Equal(t, changes[1].Target, "/b")
	assert.Equal(t, string(changes[1].Value), `["ref","/a"]`)
	assert.Equal(t, changes[2].Target, "/a/v")
}

func TestNewValueHomedOnWrite(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	shared := map[string]any{"v": 1}
	// each write copies a plain value, so these are two nodes
	root.Set("a", shared)
	root.Set("b", shared)
	a, _ := root.GetNode("a")
	b, _ := root.GetNode("b")
	assert.Equal(t, a == b, false)
	assert.Equal(t, b.Path().String(), "/b")
}

func TestRemoteReference(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	s.handle(t, encodeChanges(t, 1,
		setChange("/x", `{"v": 1, "self": ["ref", "/x"]}`),
		setChange("/y", `["ref", "/x"]`),
	))

	x, err := root.GetNode("x")
	assert.Equal(t, err, nil)
	y, err := root.GetNode("y")
	assert.Equal(t, err, nil)
	assert.Equal(t, y == x, true)

	self, err := x.GetNode("self")
	assert.Equal(t, err, nil)
	assert.Equal(t, self == x, true)

	// writes to the reference path are not rewritten, the peer follows
	// the reference
	err = y.Set("v", 2)
	assert.Equal(t, err, nil)
	s.scheduler.Run()
	sent := s.transport.Sent()
	assert.Equal(t, sent[0].Changes[0].Target, "/x/v")

	// a remote change through the reference
	s.handle(t, encodeAck(t, 2))
	s.handle(t, encodeChanges(t, 3, setChange("/y/v", `3`)))
	v, _ := x.GetFloat64("v")
	assert.Equal(t, v, float64(3))
}

func TestReferenceChain(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	s.handle(t, encodeChanges(t, 1,
		setChange("/a", `["ref", "/a"]`),
		setChange("/b", `["ref", "/missing"]`),
		setChange("/c", `["ref", "/b"]`),
	))

	_, err := root.Get("a")
	assert.Equal(t, errors.Is(err, ErrPathNotFound), true)
	_, err = root.Get("b")
	assert.Equal(t, errors.Is(err, ErrPathNotFound), true)
	_, err = root.Get("c")
	assert.Equal(t, errors.Is(err, ErrPathNotFound), true)
}

func TestPlainPair(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	// a scalar second element is not an adapter record
	s.handle(t, encodeChanges(t, 1, setChange("/pair", `["a", "b"]`)))
	pair, err := root.GetNode("pair")
	assert.Equal(t, err, nil)
	assert.Equal(t, pair.IsArray(), true)
	assert.Equal(t, pair.Len(), 2)
}
