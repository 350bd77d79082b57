// Retention and GC tests.
//
// The sweep must be simultaneously aggressive (unreachable files go
// away) and safe (everything the retained iterations reference stays,
// and the store remains fully readable afterwards).
package quire

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRetentionKeepsLatestOnly runs many transactions, enforces a
// zero-history policy, and expects a fully readable store with only
// the latest iteration's files on disk.
func TestRetentionKeepsLatestOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := Open(dir, Config{})
	require.NoError(t, err)
	defer p.Close()
	ds, err := p.Datastore("docs", docSchema())
	require.NoError(t, err)

	const writes = 200
	for i := range writes {
		id := fmt.Sprintf("doc-%03d", i)
		require.NoError(t, ds.Persist(ctx, KeyString(id), &doc{ID: id, Value: fmt.Sprint(i)}))
	}

	require.NoError(t, p.EnforceRetention(ctx, TransactionCount(0)))

	// Only the current iteration survives.
	entries, err := os.ReadDir(findFile(t, dir, "Iterations"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// The store is fully readable: count and a full scan agree.
	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(writes), n)

	items, err := collect(ds.Scan(ctx, RangeAll(), Ascending))
	require.NoError(t, err)
	assert.Len(t, items, writes)

	// Secondary index reads survive too.
	hits, err := collect(ds.ScanIndex(ctx, "value", Through(KeyString("7"), KeyString("7")), Ascending))
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

// TestRetentionKeepsHistory verifies KeepLatest(k) leaves k iterations
// behind.
func TestRetentionKeepsHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := Open(dir, Config{})
	require.NoError(t, err)
	defer p.Close()
	ds, err := p.Datastore("docs", docSchema())
	require.NoError(t, err)

	for i := range 10 {
		id := fmt.Sprintf("d%d", i)
		require.NoError(t, ds.Persist(ctx, KeyString(id), &doc{ID: id, Value: "v"}))
	}
	require.NoError(t, p.EnforceRetention(ctx, KeepLatest(3)))

	entries, err := os.ReadDir(findFile(t, dir, "Iterations"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

// TestRetentionSparesPinnedReaders verifies a mid-scan reader's
// iteration survives GC regardless of policy, so the scan completes.
func TestRetentionSparesPinnedReaders(t *testing.T) {
	ctx := context.Background()
	p, ds := openTestDatastore(t)

	for i := range 20 {
		id := fmt.Sprintf("d%02d", i)
		require.NoError(t, ds.Persist(ctx, KeyString(id), &doc{ID: id, Value: "v"}))
	}

	done := make(chan error, 1)
	started := make(chan struct{})
	hold := make(chan struct{})
	go func() {
		done <- p.View(ctx, func(ctx context.Context, _ *Txn) error {
			items, err := collect(ds.Scan(ctx, RangeAll(), Ascending))
			if err != nil {
				return err
			}
			close(started)
			if len(items) != 20 {
				return fmt.Errorf("reader saw %d items", len(items))
			}
			// Hold the pin until GC has run.
			<-hold
			_, err = collect(ds.Scan(ctx, RangeAll(), Ascending))
			return err
		})
	}()

	<-started
	require.NoError(t, ds.Persist(ctx, KeyString("later"), &doc{ID: "later", Value: "v"}))
	require.NoError(t, p.EnforceRetention(ctx, TransactionCount(0)))
	close(hold)
	require.NoError(t, <-done, "pinned reader must survive GC")

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(21), n)
}
