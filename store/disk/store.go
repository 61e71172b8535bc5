package disk

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/offline/store"
)

// Store is a single on-disk cache.
//
// Keys are hashed with SHA256 to create safe filenames, since request URLs
// contain characters like '/', '?' and ':'.
type Store struct {
	dir            string
	codec          *codec
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	bytes          atomic.Int64
	pruneMu        sync.Mutex
}

// Match returns the response stored under key.
//
// Entries that fail to decode or whose body no longer matches its digest
// are deleted and reported as missing.
func (s *Store) Match(_ context.Context, key string) (*store.Response, bool) {
	path := s.path(key)
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, false
	}
	defer root.Close()

	data, err := root.ReadFile(path)
	if err != nil {
		return nil, false
	}
	resp, err := s.codec.decode(data)
	if err != nil || resp.URL != key || resp.Verify() != nil {
		_ = s.removeEntry(root, path)
		return nil, false
	}
	return resp, true
}

// Put stores resp under key, replacing any previous entry.
//
// Returns store.ErrQuotaExceeded when the entry cannot fit within the
// configured maximum size, even after pruning.
func (s *Store) Put(ctx context.Context, key string, resp *store.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := resp.Clone()
	entry.URL = key
	entry.Seal(time.Now())
	data, err := s.codec.encode(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	path := s.path(key)
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return fmt.Errorf("open store root: %w", err)
	}
	defer root.Close()

	var previous int64
	if info, err := root.Stat(path); err == nil {
		previous = info.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat store entry: %w", err)
	}

	written := int64(len(data))
	if ok, err := s.reserve(written - previous); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: entry of %d bytes", store.ErrQuotaExceeded, written)
	}

	replaced, err := commit(root, path, data, s.dirPerm)
	if err != nil {
		return err
	}
	s.bytes.Add(written - replaced)
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(_ context.Context, key string) error {
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return err
	}
	defer root.Close()
	return s.removeEntry(root, s.path(key))
}

// Keys lists the keys of every readable entry.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || !isEntryName(d.Name()) {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // path comes from walking the store dir
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		resp, err := s.codec.decode(data)
		if err != nil {
			return nil
		}
		keys = append(keys, resp.URL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// MaxBytes returns the configured store size limit (0 = unlimited).
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// SizeBytes returns the current store size in bytes.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

// Prune removes the oldest entries until the store is at or below targetBytes.
// Returns the number of bytes freed.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	freed, remaining, err := evictOldest(s.dir, max(targetBytes, 0))
	if err != nil {
		return freed, err
	}
	s.bytes.Store(remaining)
	return freed, nil
}

// reserve makes room for need more bytes, evicting old entries when the
// store has a limit. It reports false when need can never fit.
func (s *Store) reserve(need int64) (bool, error) {
	if s.maxBytes <= 0 || need <= 0 || s.SizeBytes()+need <= s.maxBytes {
		return true, nil
	}
	if need > s.maxBytes {
		return false, nil
	}
	if _, err := s.Prune(s.maxBytes - need); err != nil {
		return false, err
	}
	return s.SizeBytes()+need <= s.maxBytes, nil
}

// path maps key to its entry file, relative to the store directory.
func (s *Store) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	if s.shardPrefixLen <= 0 {
		return name
	}
	return filepath.Join(name[:min(s.shardPrefixLen, len(name))], name)
}

// removeEntry deletes the entry file at path and releases its bytes.
func (s *Store) removeEntry(root *os.Root, path string) error {
	info, err := root.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := root.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.bytes.Add(-info.Size())
	return nil
}

// isEntryName reports whether name is a committed entry file (a SHA256 hex string).
func isEntryName(name string) bool {
	if len(name) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil && strings.ToLower(name) == name
}

// commit writes data beside path under a temporary name and renames it into
// place, so readers see either the old entry or the new one. It returns the
// size of the entry it replaced.
func commit(root *os.Root, path string, data []byte, dirPerm os.FileMode) (int64, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := root.MkdirAll(dir, dirPerm); err != nil {
			return 0, fmt.Errorf("create store dir: %w", err)
		}
	}

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return 0, err
	}
	tmpPath := path + ".tmp-" + hex.EncodeToString(suffix[:])
	f, err := root.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create temp entry file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = root.Remove(tmpPath)
		return 0, fmt.Errorf("write entry file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = root.Remove(tmpPath)
		return 0, fmt.Errorf("close entry file: %w", err)
	}

	// Stat after writing: the old entry may have been evicted meanwhile.
	var replaced int64
	if info, err := root.Stat(path); err == nil {
		replaced = info.Size()
	}
	if err := root.Rename(tmpPath, path); err != nil {
		_ = root.Remove(tmpPath)
		return 0, fmt.Errorf("rename entry file: %w", err)
	}
	return replaced, nil
}
