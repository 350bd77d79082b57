// Persistence lifecycle: opening, closing, and the snapshot pointer.
//
// A Persistence is one on-disk container. Open creates or resumes the
// current snapshot, cleans any crashed temp writes out of the Inbox,
// and takes an OS-level exclusive lock so a second process cannot enter
// the single-writer protocol.
package quire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Persistence is an open store directory.
type Persistence struct {
	root  *os.Root
	dir   string
	cfg   Config
	log   zerolog.Logger
	cache *pageCache
	bus   *observerBus

	lock     *fileLock
	lockFile *os.File

	paths      snapshotPaths
	snapshotID string

	writers writerQueue

	mu      sync.Mutex
	closed  bool
	current *iteration
	pins    map[string]int
}

// Open opens or creates a persistence rooted at dir.
func Open(dir string, config Config) (*Persistence, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}

	p := &Persistence{
		root:   root,
		dir:    dir,
		cfg:    cfg,
		log:    *cfg.Logger,
		cache:  newPageCache(cfg.CacheBytes),
		bus:    newObserverBus(),
		pins:   make(map[string]int),
	}

	info, err := p.readInfo()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		root.Close()
		return nil, err
	}

	if info == nil || info.CurrentSnapshot == "" {
		if err := p.createSnapshot(); err != nil {
			root.Close()
			return nil, err
		}
	} else {
		p.paths = snapshotPaths{dir: info.CurrentSnapshot}
		p.snapshotID = snapshotIDFromDir(info.CurrentSnapshot)
		if err := p.resumeSnapshot(); err != nil {
			root.Close()
			return nil, err
		}
	}

	// Leftovers in the Inbox mean a previous session died mid-write;
	// nothing in there is referenced, so it is safe to discard.
	clearInbox(root, p.paths.inbox())

	// Hold an exclusive lock on Info.json for the handle's lifetime.
	lf, err := root.OpenFile("Info.json", os.O_RDWR, 0o644)
	if err != nil {
		root.Close()
		return nil, err
	}
	p.lockFile = lf
	p.lock = &fileLock{f: lf}
	if err := p.lock.Lock(LockExclusive); err != nil {
		lf.Close()
		root.Close()
		return nil, err
	}

	p.log.Info().Str("component", "persistence").Str("dir", p.dir).Str("snapshot", p.snapshotID).Msg("opened")
	return p, nil
}

func (p *Persistence) readInfo() (*persistenceInfo, error) {
	data, err := p.root.ReadFile("Info.json")
	if err != nil {
		return nil, err
	}
	return decodeInfo(data)
}

// createSnapshot lays out a fresh snapshot directory and points
// Info.json at it.
func (p *Persistence) createSnapshot() error {
	id := datedID()
	p.snapshotID = id
	p.paths = snapshotPaths{dir: newSnapshotDir(id, time.Now())}
	for _, d := range []string{p.paths.inbox(), p.paths.iterations(), p.paths.datastores()} {
		if err := p.root.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	if err := p.writeSnapshotManifest("", false); err != nil {
		return err
	}
	return p.writeInfo()
}

// resumeSnapshot loads the cached current iteration of an existing
// snapshot.
func (p *Persistence) resumeSnapshot() error {
	data, err := p.root.ReadFile(p.paths.manifest())
	if err != nil {
		return fmt.Errorf("snapshot manifest: %w", err)
	}
	m, err := decodeSnapshotManifest(data)
	if err != nil {
		return err
	}
	if m.CurrentIteration == "" {
		return nil
	}
	itData, err := p.root.ReadFile(p.paths.iteration(m.CurrentIteration))
	if err != nil {
		return fmt.Errorf("current iteration: %w", err)
	}
	it, err := decodeIteration(m.CurrentIteration, itData)
	if err != nil {
		return err
	}
	p.current = it
	return nil
}

func (p *Persistence) writeInfo() error {
	info := persistenceInfo{
		Version:          infoVersion,
		ModificationDate: time.Now().UTC(),
		CurrentSnapshot:  p.paths.dir,
	}
	data, err := json.Marshal(&info)
	if err != nil {
		return err
	}
	return writeDurable(p.root, p.paths.inbox(), "Info.json", data, p.cfg.SyncWrites)
}

// writeSnapshotManifest replaces Manifest.json; this rename is the
// commit protocol's atomic pointer swing.
func (p *Persistence) writeSnapshotManifest(currentIteration string, syncDir bool) error {
	m := snapshotManifest{
		Version:          manifestVersion,
		ID:               p.snapshotID,
		ModificationDate: time.Now().UTC(),
		CurrentIteration: currentIteration,
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return err
	}
	return writeDurable(p.root, p.paths.inbox(), p.paths.manifest(), data, syncDir)
}

func (p *Persistence) swingManifest(iterationID string, syncDir bool) error {
	return p.writeSnapshotManifest(iterationID, syncDir)
}

// snapshotIDFromDir recovers the snapshot id from its directory path.
func snapshotIDFromDir(dir string) string {
	return strings.TrimSuffix(path.Base(dir), ".snapshot")
}

// pinCurrent pins the current iteration for a starting transaction.
func (p *Persistence) pinCurrent() (*iteration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.current != nil {
		p.pins[p.current.ID]++
	}
	return p.current, nil
}

func (p *Persistence) unpin(it *iteration) {
	if it == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.pins[it.ID]; n <= 1 {
		delete(p.pins, it.ID)
	} else {
		p.pins[it.ID] = n - 1
	}
}

// pinnedIterations snapshots the ids held by live readers.
func (p *Persistence) pinnedIterations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pins))
	for id := range p.pins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Persistence) setCurrent(it *iteration) {
	p.mu.Lock()
	p.current = it
	p.mu.Unlock()
}

// Close releases the lock and invalidates the handle. In-flight
// transactions must finish first; Close does not wait for them.
func (p *Persistence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.bus.close()

	var errs []error
	if p.lock != nil {
		p.lock.Unlock()
		p.lock.setFile(nil)
	}
	if p.lockFile != nil {
		if err := p.lockFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.root.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// writerQueue serializes writers in strict arrival order.
type writerQueue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (q *writerQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return ctx.Err()
			}
		}
		// Already handed the queue; pass it on.
		q.mu.Unlock()
		q.release()
		return ctx.Err()
	}
}

func (q *writerQueue) release() {
	q.mu.Lock()
	if len(q.waiters) > 0 {
		ch := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		close(ch)
		return
	}
	q.busy = false
	q.mu.Unlock()
}
