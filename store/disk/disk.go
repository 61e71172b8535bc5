// Package disk provides a filesystem-backed store.Storage.
//
// Each store is a directory under the storage root. Entries are files named
// by the SHA256 of their key, sharded by hex prefix, holding a
// zstd-compressed record of the response. Writes go to a temporary file
// that is renamed into place, so readers never observe partial entries.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/offline/store"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700

	// markerName records the creation time of a store directory.
	markerName = ".store"
)

// config holds shared configuration for disk stores.
type config struct {
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	quota          func(name string) int64
	level          zstd.EncoderLevel
}

// Option configures a disk Storage.
type Option func(*config)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *config) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *config) {
		c.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum size of each store in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// WithQuota sets the maximum size of each store from its name, overriding
// WithMaxBytes. A result <= 0 leaves that store unlimited.
func WithQuota(fn func(name string) int64) Option {
	return func(c *config) {
		c.quota = fn
	}
}

// WithCompressionLevel sets the zstd level used for entry records.
func WithCompressionLevel(level zstd.EncoderLevel) Option {
	return func(c *config) {
		c.level = level
	}
}

func defaultConfig() config {
	return config{
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		level:          zstd.SpeedDefault,
	}
}

// Storage implements store.Storage on the local filesystem.
type Storage struct {
	dir   string
	cfg   config
	codec *codec

	mu     sync.Mutex
	stores map[string]*Store
	closed bool
}

// New creates a disk-backed storage rooted at dir.
func New(dir string, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("storage dir is empty")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if cfg.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, cfg.dirPerm); err != nil {
		return nil, err
	}
	c, err := newCodec(cfg.level)
	if err != nil {
		return nil, err
	}
	return &Storage{
		dir:    dir,
		cfg:    cfg,
		codec:  c,
		stores: make(map[string]*Store),
	}, nil
}

// Open returns the named store, creating its directory if absent.
func (s *Storage) Open(ctx context.Context, name string) (store.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !store.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if st, ok := s.stores[name]; ok {
		return st, nil
	}

	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, s.cfg.dirPerm); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if err := writeMarker(dir); err != nil {
		return nil, err
	}
	maxBytes := s.cfg.maxBytes
	if s.cfg.quota != nil {
		maxBytes = max(s.cfg.quota(name), 0)
	}
	st := &Store{
		dir:            dir,
		codec:          s.codec,
		shardPrefixLen: s.cfg.shardPrefixLen,
		dirPerm:        s.cfg.dirPerm,
		maxBytes:       maxBytes,
	}
	_, size, err := scanEntries(dir)
	if err != nil {
		return nil, err
	}
	st.bytes.Store(size)
	s.stores[name] = st
	return st, nil
}

// Delete removes the named store directory and everything in it.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !store.ValidName(name) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stores, name)

	dir := filepath.Join(s.dir, name)
	if _, err := os.Stat(filepath.Join(dir, markerName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove store dir: %w", err)
	}
	return true, nil
}

// Keys lists store names in creation order.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	type named struct {
		name    string
		created int64
	}
	found := make([]named, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !store.ValidName(e.Name()) {
			continue
		}
		created, err := readMarker(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		found = append(found, named{name: e.Name(), created: created})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].created == found[j].created {
			return found[i].name < found[j].name
		}
		return found[i].created < found[j].created
	})

	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}

// Close releases the compression resources. Stores opened from s must not
// be used afterwards.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stores = nil
	return s.codec.Close()
}

func writeMarker(dir string) error {
	path := filepath.Join(dir, markerName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(path, []byte(stamp), 0o600); err != nil {
		return fmt.Errorf("write store marker: %w", err)
	}
	return nil
}

func readMarker(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerName)) //nolint:gosec // dir is a validated store name under the root
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
