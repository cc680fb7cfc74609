package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dmitrijs2005/fragnet/internal/common"
	"github.com/dmitrijs2005/fragnet/internal/filex"
)

// DiskStore keeps one file per fragment, named by its hash.
type DiskStore struct {
	dir   string
	quota *Quota

	// mu guards the directory listing, not file contents: writes are
	// atomic renames.
	mu sync.Mutex
}

var _ Store = (*DiskStore)(nil)

// OpenDiskStore opens or creates a store in dir and accounts for the
// fragments already there.
func OpenDiskStore(dir string, capacity int64) (*DiskStore, error) {
	abs, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, ioErr("open", "", err)
	}

	s := &DiskStore{dir: abs, quota: NewQuota(capacity)}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, ioErr("open", "", err)
	}
	for _, e := range entries {
		if !isFragmentFile(e) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, ioErr("open", e.Name(), err)
		}
		s.quota.Commit(info.Size(), nil)
	}

	return s, nil
}

func isFragmentFile(e fs.DirEntry) bool {
	return e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".")
}

func (s *DiskStore) path(hash string) (string, error) {
	if hash == "" || strings.ContainsAny(hash, `/\`) || strings.HasPrefix(hash, ".") {
		return "", fmt.Errorf("%w: %q", common.ErrInvalidHash, hash)
	}
	return filepath.Join(s.dir, hash), nil
}

// Dir returns the absolute store directory.
func (s *DiskStore) Dir() string { return s.dir }

func (s *DiskStore) Allocate(_ context.Context, size int64) (*Token, error) {
	return s.quota.Reserve(size)
}

func (s *DiskStore) Release(_ context.Context, t *Token) error {
	return s.quota.Release(t)
}

func (s *DiskStore) Store(ctx context.Context, hash string, data []byte, t *Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(hash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(p); err == nil {
		_ = s.quota.Release(t)
		return nil
	}
	if err := s.quota.Begin(int64(len(data)), t); err != nil {
		return err
	}
	if err := filex.WriteAtomic(p, data); err != nil {
		return ioErr("store", hash, err)
	}
	s.quota.Commit(int64(len(data)), t)
	return nil
}

func (s *DiskStore) Read(_ context.Context, hash string) ([]byte, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("fragment %s: %w", hash, common.ErrorNotFound)
	}
	if err != nil {
		return nil, ioErr("read", hash, err)
	}
	return b, nil
}

func (s *DiskStore) Exists(_ context.Context, hash string) (bool, error) {
	p, err := s.path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, ioErr("stat", hash, err)
	}
}

func (s *DiskStore) Delete(_ context.Context, hash string) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fragment %s: %w", hash, common.ErrorNotFound)
	}
	if err != nil {
		return ioErr("delete", hash, err)
	}
	if err := os.Remove(p); err != nil {
		return ioErr("delete", hash, err)
	}
	s.quota.Free(info.Size())
	return nil
}

func (s *DiskStore) Usage(context.Context) (Usage, error) {
	return s.quota.Usage(), nil
}

func (s *DiskStore) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ioErr("list", "", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if isFragmentFile(e) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
