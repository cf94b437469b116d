package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGImageBot/internal/models"
)

func testFingerprint(prompt string) string {
	return Fingerprint(models.GenerationRequest{Kind: models.KindTextToImage, Prompt: prompt})
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	fp := testFingerprint("cat")

	_, ok, err := store.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, fp, []byte("png-bytes")))
	data, ok, err := store.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("png-bytes"), data)

	_, err = os.Stat(filepath.Join(store.dir, fp[:2], fp))
	assert.NoError(t, err)
}

func TestFileStoreRejectsInvalidFingerprint(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = store.Lookup(context.Background(), "../x")
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
	assert.ErrorIs(t, store.Put(context.Background(), "short", nil), ErrInvalidFingerprint)
}

func TestFileStoreConcurrentReadersSeeWholeEntries(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	fp := testFingerprint("busy")
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Put(ctx, fp, payload))
		}()
		go func() {
			defer wg.Done()
			data, ok, err := store.Lookup(ctx, fp)
			assert.NoError(t, err)
			if ok {
				assert.Len(t, data, len(payload))
			}
		}()
	}
	wg.Wait()

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be listed or left behind")
}

func TestFileStorePrune(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	old := testFingerprint("old")
	fresh := testFingerprint("fresh")
	require.NoError(t, store.Put(ctx, old, []byte("1")))
	require.NoError(t, store.Put(ctx, fresh, []byte("2")))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(store.path(old), past, past))

	removed, err := store.Prune(ctx, MaxAge(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := store.Lookup(ctx, old)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Lookup(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err = store.Prune(ctx, NoEviction{})
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMaxBytesDropsOldestFirst(t *testing.T) {
	now := time.Now()
	var entries []Entry
	for i := 0; i < 4; i++ {
		entries = append(entries, Entry{
			Fingerprint: fmt.Sprintf("e%d", i),
			Size:        10,
			ModTime:     now.Add(time.Duration(i) * time.Minute),
		})
	}

	assert.Equal(t, []string{"e0", "e1"}, MaxBytes(20).Select(entries, now))
	assert.Nil(t, MaxBytes(40).Select(entries, now))
	assert.Nil(t, MaxBytes(0).Select(entries, now))
}

func TestPoliciesUnion(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{Fingerprint: "stale", Size: 5, ModTime: now.Add(-2 * time.Hour)},
		{Fingerprint: "big", Size: 100, ModTime: now.Add(-time.Minute)},
		{Fingerprint: "new", Size: 5, ModTime: now},
	}

	selected := Policies{MaxAge(time.Hour), MaxBytes(50)}.Select(entries, now)
	assert.ElementsMatch(t, []string{"stale", "big"}, selected)
}

func TestPolicyFor(t *testing.T) {
	assert.IsType(t, NoEviction{}, PolicyFor(0, 0))
	assert.IsType(t, Policies{}, PolicyFor(time.Hour, 0))
	assert.Len(t, PolicyFor(time.Hour, 1024), 2)
}
