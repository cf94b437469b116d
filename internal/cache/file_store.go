package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps artifacts on local disk under dir/<fp[:2]>/<fp>.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(fp string) string {
	return filepath.Join(s.dir, fp[:2], fp)
}

func (s *FileStore) Lookup(_ context.Context, fp string) ([]byte, bool, error) {
	if !ValidFingerprint(fp) {
		return nil, false, ErrInvalidFingerprint
	}
	data, err := os.ReadFile(s.path(fp))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	return data, true, nil
}

// Put writes to a temp file in the shard and renames it into place, so
// readers observe either no entry or a complete one.
func (s *FileStore) Put(_ context.Context, fp string, data []byte) error {
	if !ValidFingerprint(fp) {
		return ErrInvalidFingerprint
	}
	target := s.path(fp)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create cache shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-"+fp[:8]+"-*")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp entry: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Entries lists committed artifacts. Temp files are skipped.
func (s *FileStore) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !ValidFingerprint(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		entries = append(entries, Entry{Fingerprint: d.Name(), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk cache dir: %w", err)
	}
	return entries, nil
}

func (s *FileStore) Remove(_ context.Context, fp string) error {
	if !ValidFingerprint(fp) {
		return ErrInvalidFingerprint
	}
	if err := os.Remove(s.path(fp)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

// Prune removes whatever the policy selects and returns how many entries went.
func (s *FileStore) Prune(ctx context.Context, policy EvictionPolicy) (int, error) {
	if policy == nil {
		return 0, nil
	}
	entries, err := s.Entries(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, fp := range policy.Select(entries, time.Now()) {
		if err := s.Remove(ctx, fp); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
