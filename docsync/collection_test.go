package docsync

import (
	"errors"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/docsync/docsync/pointer"
)

func getCollection(t *testing.T, node *Node, key string) *Collection {
	value, err := node.Get(key)
	assert.Equal(t, err, nil)
	collection, ok := value.(*Collection)
	assert.Equal(t, ok, true)
	return collection
}

func TestCollection(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	err := root.Set("items", CreateCollection())
	assert.Equal(t, err, nil)
	items := getCollection(t, root, "items")
	assert.Equal(t, items == getCollection(t, root, "items"), true)
	assert.Equal(t, items.Path().String(), "/items")
	assert.Equal(t, items.NextId(), 0)

	id, err := items.Insert("a")
	assert.Equal(t, err, nil)
	assert.Equal(t, id, 0)
	id, err = items.Insert("b")
	assert.Equal(t, err, nil)
	assert.Equal(t, id, 1)
	assert.Equal(t, items.NextId(), 2)

	id, err = items.InsertWithId(10, "c")
	assert.Equal(t, err, nil)
	assert.Equal(t, id, 10)
	assert.Equal(t, items.NextId(), 11)

	// an explicit id below the next id does not move it
	_, err = items.InsertWithId(5, "d")
	assert.Equal(t, err, nil)
	assert.Equal(t, items.NextId(), 11)

	_, err = items.InsertWithId(-1, "e")
	assert.Equal(t, errors.Is(err, ErrInvalidKey), true)

	err = items.Remove(0)
	assert.Equal(t, err, nil)
	assert.Equal(t, items.Has(0), false)
	assert.Equal(t, items.Ids(), []int{1, 5, 10})
	assert.Equal(t, items.Len(), 3)

	values, err := items.Array()
	assert.Equal(t, err, nil)
	assert.Equal(t, values, []any{"b", "d", "c"})

	assert.Equal(
		t,
		toJson(t, root),
		`{"items":["collection",{"1":"b","10":"c","5":"d","nextId":11}]}`,
	)
}

func TestCollectionShared(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	root.Set("users", map[string]any{})
	root.Set("posts", CreateCollection())
	users, _ := root.GetNode("users")
	users.Set("u", map[string]any{"name": "ada"})
	u, err := users.GetNode("u")
	assert.Equal(t, err, nil)

	posts := getCollection(t, root, "posts")
	id, err := posts.Insert(map[string]any{"author": u})
	assert.Equal(t, err, nil)

	post, err := posts.Get(id)
	assert.Equal(t, err, nil)
	author, err := post.(*Node).GetNode("author")
	assert.Equal(t, err, nil)
	assert.Equal(t, author == u, true)

	// later writes through the original path are seen through the entry
	u.Set("name", "grace")
	name, err := post.(*Node).Resolve(pointer.New("author", "name"))
	assert.Equal(t, err, nil)
	assert.Equal(t, name, "grace")

	s.scheduler.Run()
	sent := s.transport.Sent()
	changes := sent[0].Changes
	// the entry, then the next id, then the rename
	entry := changes[len(changes)-3]
	assert.Equal(t, entry.Target, "/posts/1/0")
	assert.Equal(t, string(entry.Value), `{"author":["ref","/users/u"]}`)
	assert.Equal(t, changes[len(changes)-2].Target, "/posts/1/nextId")
}

func TestCollectionValues(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	root.Set("x", CreateCollection())
	x := getCollection(t, root, "x")
	x.Insert(map[string]any{"value": 5})
	x.Insert(map[string]any{"value": 6})

	for id, want := range []float64{5, 6} {
		entry, err := x.Get(id)
		assert.Equal(t, err, nil)
		value, _ := entry.(*Node).GetFloat64("value")
		assert.Equal(t, value, want)
	}
	id, err := x.Insert(true)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, 2)
}

func TestCollectionInsertInvalid(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	root.Set("x", CreateCollection())
	x := getCollection(t, root, "x")
	pending := s.ctx.PendingCount()

	_, err := x.Insert(math.NaN())
	assert.Equal(t, errors.Is(err, ErrInvalidValue), true)
	_, err = x.InsertWithId(4, func() {})
	assert.Equal(t, errors.Is(err, ErrInvalidValue), true)

	assert.Equal(t, x.NextId(), 0)
	assert.Equal(t, x.Ids(), []int{})
	assert.Equal(t, s.ctx.PendingCount(), pending)

	id, err := x.Insert("ok")
	assert.Equal(t, err, nil)
	assert.Equal(t, id, 0)
	assert.Equal(t, x.NextId(), 1)
}

func TestCollectionRemote(t *testing.T) {
	s := newTestSync(t)
	root := s.ctx.Root()

	s.handle(t, encodeChanges(t, 1, setChange("/c", `["collection", {"nextId": 1, "0": "a"}]`)))
	c := getCollection(t, root, "c")
	assert.Equal(t, c.Ids(), []int{0})

	// a stale next id is repaired from the ids present
	s.handle(t, encodeChanges(t, 2, setChange("/c/1/7", `"b"`)))
	assert.Equal(t, c.NextId(), 8)
	id, err := c.Insert("c")
	assert.Equal(t, err, nil)
	assert.Equal(t, id, 8)
}

func TestAdapterRegistry(t *testing.T) {
	registry := NewAdapterRegistry()
	err := registry.Register(RefTag, LoadCollection)
	assert.Equal(t, errors.Is(err, ErrDuplicateAdapter), true)

	err = registry.Register("thing", LoadCollection)
	assert.Equal(t, err, nil)
	err = registry.Register("thing", LoadCollection)
	assert.Equal(t, errors.Is(err, ErrDuplicateAdapter), true)
	assert.Equal(t, registry.Tags(), []string{"thing"})

	assert.Equal(t, DefaultAdapterRegistry.Tags(), []string{CollectionTag})
}

func TestUnknownAdapter(t *testing.T) {
	s := newTestSync(t, func(settings *SyncSettings) {
		settings.Registry = NewAdapterRegistry()
	})
	root := s.ctx.Root()

	s.handle(t, encodeChanges(t, 1, setChange("/x", `["collection", {}]`)))
	_, err := root.Get("x")
	assert.Equal(t, errors.Is(err, ErrUnknownAdapter), true)

	err = root.Set("y", CreateCollection())
	assert.Equal(t, errors.Is(err, ErrUnknownAdapter), true)
	assert.Equal(t, root.Has("y"), false)
}

type counter struct {
	record *Node
}

func (self *counter) AdapterNode() *Node {
	return self.record
}

func TestCustomAdapter(t *testing.T) {
	registry := NewAdapterRegistryWithBuiltins()
	loads := 0
	registry.MustRegister("counter", func(record *Node) (Adapter, error) {
		loads += 1
		return &counter{record: record}, nil
	})
	s := newTestSync(t, func(settings *SyncSettings) {
		settings.Registry = registry
	})
	root := s.ctx.Root()

	root.Set("n", NewAdapterRecord("counter", map[string]any{"count": 0}))
	n1, err := root.Get("n")
	assert.Equal(t, err, nil)
	n2, err := root.Get("n")
	assert.Equal(t, err, nil)
	assert.Equal(t, n1 == n2, true)
	assert.Equal(t, loads, 1)
	_, ok := n1.(*counter)
	assert.Equal(t, ok, true)
}
