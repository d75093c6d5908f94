package storage

import (
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// indexFile is the bbolt database holding the entry index
	indexFile = "cache.db"

	// bucketName is the bbolt bucket for entry records
	bucketName = "entries"

	// tmpDir holds partially written blobs
	tmpDir = "tmp"

	// accessFlushInterval bounds how stale persisted access times may get
	accessFlushInterval = 30 * time.Second
)

// Local stores blobs as files under a directory tree, indexed in bbolt.
//
// Layout: <root>/<k[0:2]>/<k[2:4]>/<key>. Blobs are written to <root>/tmp and
// renamed into place. The total size is bounded by maxSize; on insertion the
// least recently accessed entries are evicted until the new total fits.
type Local struct {
	root    string
	maxSize int64
	db      *bbolt.DB
	logger  *slog.Logger

	mu      sync.Mutex
	lru     *list.List // front is most recently used
	items   map[string]*list.Element
	size    int64
	touched map[string]struct{}

	stop chan struct{}
	done chan struct{}
}

type localItem struct {
	key    string
	size   int64
	access time.Time
}

// NewLocal opens (or creates) a local store rooted at dir
func NewLocal(dir string, maxSize int64) (*Local, error) {
	if err := os.MkdirAll(filepath.Join(dir, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, indexFile), 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}

	l := &Local{
		root:    dir,
		maxSize: maxSize,
		db:      db,
		logger:  slog.Default().With("component", "storage.local"),
		lru:     list.New(),
		items:   make(map[string]*list.Element),
		touched: make(map[string]struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := l.load(); err != nil {
		db.Close()
		return nil, err
	}

	go l.flushLoop()

	return l, nil
}

// Location implements Backend
func (l *Local) Location() string {
	return "Local disk: " + l.root
}

// CurrentSize implements Sizer
func (l *Local) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.size
}

// MaxSize implements Sizer
func (l *Local) MaxSize() int64 {
	return l.maxSize
}

// Len returns the number of indexed entries
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.items)
}

// Get implements Backend
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	el, ok := l.items[key]
	if ok {
		el.Value.(*localItem).access = time.Now()
		l.lru.MoveToFront(el)
		l.touched[key] = struct{}{}
	}
	l.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			// Removed behind our back; drop the stale index record
			l.forget(key)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	return data, nil
}

// Put implements Backend
func (l *Local) Put(ctx context.Context, key string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if l.maxSize > 0 && int64(len(blob)) > l.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", len(blob), l.maxSize)
	}

	tmp, err := os.CreateTemp(filepath.Join(l.root, tmpDir), key+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	dest := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create entry directory: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	item := &localItem{key: key, size: int64(len(blob)), access: time.Now()}

	l.mu.Lock()
	if el, ok := l.items[key]; ok {
		l.size -= el.Value.(*localItem).size
		el.Value = item
		l.lru.MoveToFront(el)
	} else {
		l.items[key] = l.lru.PushFront(item)
	}
	l.size += item.size
	delete(l.touched, key)
	evicted := l.evictLocked()
	l.mu.Unlock()

	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		for _, k := range evicted {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}

		return b.Put([]byte(key), encodeRecord(item))
	})
}

// Exists implements Backend
func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.items[key]
	return ok, nil
}

// Delete implements Backend
func (l *Local) Delete(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}

	l.forget(key)
	return nil
}

// Close flushes access times and closes the index
func (l *Local) Close() error {
	select {
	case <-l.stop:
		return nil
	default:
	}

	close(l.stop)
	<-l.done

	if err := l.flushAccess(); err != nil {
		l.logger.Warn("failed to persist access times", "err", err)
	}

	return l.db.Close()
}

func (l *Local) path(key string) string {
	if len(key) < 4 {
		return filepath.Join(l.root, "_", key)
	}

	return filepath.Join(l.root, key[0:2], key[2:4], key)
}

// forget removes key from the index without touching the file
func (l *Local) forget(key string) {
	l.mu.Lock()
	if el, ok := l.items[key]; ok {
		l.size -= el.Value.(*localItem).size
		l.lru.Remove(el)
		delete(l.items, key)
		delete(l.touched, key)
	}
	l.mu.Unlock()

	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
	if err != nil {
		l.logger.Warn("failed to update cache index", "key", key, "err", err)
	}
}

// evictLocked drops least recently used entries until the store fits maxSize.
// The most recent entry is never evicted. Returns the evicted keys.
func (l *Local) evictLocked() []string {
	if l.maxSize <= 0 {
		return nil
	}

	var evicted []string
	for l.size > l.maxSize && l.lru.Len() > 1 {
		el := l.lru.Back()
		item := el.Value.(*localItem)

		if err := os.Remove(l.path(item.key)); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("failed to remove evicted entry", "key", item.key, "err", err)
		}

		l.lru.Remove(el)
		delete(l.items, item.key)
		delete(l.touched, item.key)
		l.size -= item.size
		evicted = append(evicted, item.key)
	}

	if len(evicted) > 0 {
		l.logger.Debug("evicted cache entries", "count", len(evicted), "size", l.size)
	}

	return evicted
}

// load reads the index, rebuilding it from the directory tree when it is empty
func (l *Local) load() error {
	var items []*localItem

	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			item, ok := decodeRecord(string(k), v)
			if ok {
				items = append(items, item)
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	if len(items) == 0 {
		items, err = l.scan()
		if err != nil {
			return err
		}

		if len(items) > 0 {
			l.logger.Info("rebuilt cache index from disk", "entries", len(items))

			err = l.db.Update(func(tx *bbolt.Tx) error {
				b := tx.Bucket([]byte(bucketName))
				for _, item := range items {
					if err := b.Put([]byte(item.key), encodeRecord(item)); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to rebuild cache index: %w", err)
			}
		}
	}

	// Oldest first, so PushFront leaves the newest at the front
	sortByAccess(items)
	for _, item := range items {
		l.items[item.key] = l.lru.PushFront(item)
		l.size += item.size
	}

	return nil
}

// scan walks the tree for entry files
func (l *Local) scan() ([]*localItem, error) {
	var items []*localItem

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path != l.root && d.Name() == tmpDir && filepath.Dir(path) == l.root {
				return filepath.SkipDir
			}
			return nil
		}

		key := d.Name()
		if key == indexFile || !isEntryName(key) || l.path(key) != path {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		items = append(items, &localItem{key: key, size: info.Size(), access: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache directory: %w", err)
	}

	return items, nil
}

func (l *Local) flushLoop() {
	defer close(l.done)

	ticker := time.NewTicker(accessFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.flushAccess(); err != nil {
				l.logger.Warn("failed to persist access times", "err", err)
			}
		}
	}
}

// flushAccess persists access times recorded by Get
func (l *Local) flushAccess() error {
	l.mu.Lock()
	if len(l.touched) == 0 {
		l.mu.Unlock()
		return nil
	}

	records := make(map[string][]byte, len(l.touched))
	for key := range l.touched {
		if el, ok := l.items[key]; ok {
			records[key] = encodeRecord(el.Value.(*localItem))
		}
	}
	l.touched = make(map[string]struct{})
	l.mu.Unlock()

	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		for key, rec := range records {
			if err := b.Put([]byte(key), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// encodeRecord packs size and last access into 16 bytes
func encodeRecord(item *localItem) []byte {
	rec := make([]byte, 16)
	binary.BigEndian.PutUint64(rec[:8], uint64(item.size))
	binary.BigEndian.PutUint64(rec[8:], uint64(item.access.UnixNano()))
	return rec
}

func decodeRecord(key string, rec []byte) (*localItem, bool) {
	if len(rec) != 16 {
		return nil, false
	}

	return &localItem{
		key:    key,
		size:   int64(binary.BigEndian.Uint64(rec[:8])),
		access: time.Unix(0, int64(binary.BigEndian.Uint64(rec[8:]))),
	}, true
}

func isEntryName(name string) bool {
	if len(name) < 4 {
		return false
	}

	for _, c := range name {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}

	return true
}

func sortByAccess(items []*localItem) {
	slices.SortFunc(items, func(a, b *localItem) int {
		return a.access.Compare(b.access)
	})
}
