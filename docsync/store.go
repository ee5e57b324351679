package docsync

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/syndtr/goleveldb/leveldb"
)

// Store is the persistence collaborator, an opaque key value store.
// It is used to cache `{version, root}` snapshots for session resumption.
type Store interface {
	SetItem(key string, value string) error
	// returns false if the key is not present
	GetItem(key string) (string, bool, error)
}

type MemoryStore struct {
	mutex sync.Mutex
	items map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[string]string{},
	}
}

func (self *MemoryStore) SetItem(key string, value string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.items[key] = value
	return nil
}

func (self *MemoryStore) GetItem(key string) (string, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.items[key]
	return value, ok, nil
}

// FileStore keeps one file per key in a directory.
// Writes replace the file atomically.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{
		dir: dir,
	}, nil
}

func (self *FileStore) path(key string) string {
	return filepath.Join(self.dir, "item-"+url.PathEscape(key))
}

func (self *FileStore) SetItem(key string, value string) error {
	return atomic.WriteFile(self.path(key), strings.NewReader(value))
}

func (self *FileStore) GetItem(key string) (string, bool, error) {
	b, err := os.ReadFile(self.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

type LevelStore struct {
	db *leveldb.DB
}

func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return NewLevelStoreWithDb(db), nil
}

func NewLevelStoreWithDb(db *leveldb.DB) *LevelStore {
	return &LevelStore{
		db: db,
	}
}

func (self *LevelStore) SetItem(key string, value string) error {
	return self.db.Put([]byte(key), []byte(value), nil)
}

func (self *LevelStore) GetItem(key string) (string, bool, error) {
	b, err := self.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

func (self *LevelStore) Close() error {
	return self.db.Close()
}
