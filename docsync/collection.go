package docsync

import (
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"

	"github.com/bringyour/docsync/docsync/pointer"
)

const CollectionTag = "collection"

const collectionNextIdKey = "nextId"

// CreateCollection is the initial value of a collection. Set it into the
// graph like any other value, then read it back to get the `*Collection`.
func CreateCollection() []any {
	return NewAdapterRecord(CollectionTag, map[string]any{
		collectionNextIdKey: 0,
	})
}

// Collection is an auto incrementing keyed map stored as
// `["collection", {"nextId": n, "<id>": value, ...}]`.
// `nextId` is always greater than every id present.
//
// Entries are written through the payload node, so they sync like any other
// write, and inserting an existing node stores a reference to it.
type Collection struct {
	record  *Node
	entries *Node
}

func LoadCollection(record *Node) (Adapter, error) {
	payload, err := record.get("1")
	if err != nil {
		return nil, err
	}
	entries, ok := payload.(*Node)
	if !ok || entries.IsArray() {
		return nil, fmt.Errorf("%w: collection payload at %s must be an object", ErrInvalidValue, record.path)
	}
	return &Collection{
		record:  record,
		entries: entries,
	}, nil
}

func (self *Collection) AdapterNode() *Node {
	return self.record
}

func (self *Collection) Path() pointer.Pointer {
	return self.record.Path()
}

// the payload node holding `nextId` and the entries
func (self *Collection) Entries() *Node {
	return self.entries
}

func (self *Collection) Get(id int) (any, error) {
	self.lock()
	defer self.unlock()
	return self.entries.get(strconv.Itoa(id))
}

func (self *Collection) Has(id int) bool {
	self.lock()
	defer self.unlock()
	return self.entries.has(strconv.Itoa(id))
}

// ids in ascending order
func (self *Collection) Ids() []int {
	self.lock()
	defer self.unlock()
	return self.ids()
}

// all entries, in id order
func (self *Collection) Array() ([]any, error) {
	self.lock()
	defer self.unlock()

	values := []any{}
	for _, id := range self.ids() {
		value, err := self.entries.get(strconv.Itoa(id))
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func (self *Collection) Len() int {
	self.lock()
	defer self.unlock()
	return len(self.ids())
}

func (self *Collection) NextId() int {
	self.lock()
	defer self.unlock()
	return self.nextId()
}

// Insert stores `value` at the next id and returns the id
func (self *Collection) Insert(value any) (int, error) {
	self.lock()
	defer self.unlock()
	return self.insert(self.nextId(), value)
}

// InsertWithId stores `value` at `id`, advancing `nextId` past it if needed
func (self *Collection) InsertWithId(id int, value any) (int, error) {
	self.lock()
	defer self.unlock()
	if id < 0 {
		return 0, fmt.Errorf("%w: collection id %d", ErrInvalidKey, id)
	}
	return self.insert(id, value)
}

func (self *Collection) Remove(id int) error {
	self.lock()
	defer self.unlock()
	return self.entries.delete(strconv.Itoa(id))
}

func (self *Collection) lock() {
	self.record.ctx.lock()
}

func (self *Collection) unlock() {
	self.record.ctx.unlock()
}

// the entry is written first. A value that cannot be set leaves `nextId`
// and the pending changes as they were.
func (self *Collection) insert(id int, value any) (int, error) {
	advance := self.nextId() <= id
	if err := self.entries.set(strconv.Itoa(id), value); err != nil {
		return 0, err
	}
	if advance {
		if err := self.entries.set(collectionNextIdKey, id+1); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (self *Collection) ids() []int {
	ids := []int{}
	for _, key := range self.entries.keys() {
		if id, ok := pointer.Index(key); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// a missing or stale `nextId` is repaired from the ids present
func (self *Collection) nextId() int {
	nextId := 0
	if value, err := self.entries.get(collectionNextIdKey); err == nil {
		if f, ok := value.(float64); ok && 0 <= f {
			nextId = int(f)
		}
	}
	if ids := self.ids(); 0 < len(ids) && nextId <= ids[len(ids)-1] {
		nextId = ids[len(ids)-1] + 1
	}
	return nextId
}
