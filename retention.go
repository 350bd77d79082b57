// Retention policy and garbage collection.
//
// Nothing is deleted on the write path; superseded pages, manifests,
// roots, and iterations simply become unreachable. EnforceRetention
// walks the iterations the policy keeps — always including the current
// one and any iteration pinned by a live reader — marks every file they
// transitively reference, and sweeps the rest.
package quire

import (
	"context"
	"path"
	"strings"
)

// Retention bounds how much history survives a GC pass.
type Retention struct {
	priorIterations int
}

// KeepLatest retains the newest k iterations (minimum 1, the current).
func KeepLatest(k int) Retention {
	if k < 1 {
		k = 1
	}
	return Retention{priorIterations: k - 1}
}

// TransactionCount retains the current iteration plus n prior
// transactions. TransactionCount(0) keeps only the latest state.
func TransactionCount(n int) Retention {
	if n < 0 {
		n = 0
	}
	return Retention{priorIterations: n}
}

// liveSet tracks every path reachable from the retained iterations.
type liveSet map[string]bool

// EnforceRetention removes every file unreachable from the retained
// iterations. It serializes with writers so no commit can race the
// sweep; readers keep working, since any iteration they pinned is
// retained regardless of policy.
func (p *Persistence) EnforceRetention(ctx context.Context, policy Retention) error {
	if err := p.writers.acquire(ctx); err != nil {
		return err
	}
	defer p.writers.release()

	log := p.log.With().Str("component", "gc").Logger()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	current := p.current
	p.mu.Unlock()
	if current == nil {
		return nil
	}

	retained := map[string]*iteration{current.ID: current}
	it := current
	for i := 0; i < policy.priorIterations && it.Preceding != ""; i++ {
		prev, err := p.loadIteration(it.Preceding)
		if err != nil {
			return err
		}
		retained[prev.ID] = prev
		it = prev
	}
	for _, id := range p.pinnedIterations() {
		if _, ok := retained[id]; ok {
			continue
		}
		pinned, err := p.loadIteration(id)
		if err != nil {
			return err
		}
		retained[id] = pinned
	}

	live := liveSet{}
	liveStores := map[string]bool{}
	for _, it := range retained {
		live[p.paths.iteration(it.ID)] = true
		for ds, rootID := range it.Roots {
			liveStores[ds] = true
			if err := p.markRoot(ds, rootID, live); err != nil {
				return err
			}
		}
	}

	removed := p.sweep(live, liveStores)
	log.Info().Int("retained", len(retained)).Int("removed", removed).Msg("retention enforced")
	return nil
}

func (p *Persistence) loadIteration(id string) (*iteration, error) {
	data, err := p.root.ReadFile(p.paths.iteration(id))
	if err != nil {
		return nil, err
	}
	return decodeIteration(id, data)
}

// markRoot marks a root and everything it references as live.
func (p *Persistence) markRoot(ds, rootID string, live liveSet) error {
	live[p.paths.root(ds, rootID)] = true
	data, err := p.root.ReadFile(p.paths.root(ds, rootID))
	if err != nil {
		return err
	}
	root, err := decodeRoot(rootID, data)
	if err != nil {
		return err
	}
	mark := func(kind indexKind, name, manifestID string) error {
		if manifestID == "" {
			return nil
		}
		live[p.paths.manifestFile(ds, kind, name, manifestID)] = true
		m, err := p.cache.manifest(manifestID, func() (*indexManifest, error) {
			data, err := p.root.ReadFile(p.paths.manifestFile(ds, kind, name, manifestID))
			if err != nil {
				return nil, err
			}
			return decodeManifest(manifestID, data)
		})
		if err != nil {
			return err
		}
		for _, ref := range m.Pages {
			live[p.paths.page(ds, ref.ID)] = true
		}
		return nil
	}
	if err := mark(kindPrimary, "", root.PrimaryManifest); err != nil {
		return err
	}
	for name, ref := range root.Indexes {
		kind := kindReference
		if ref.Storage == "direct" {
			kind = kindDirect
		}
		if err := mark(kind, name, ref.Manifest); err != nil {
			return err
		}
	}
	return nil
}

// sweep removes dead files and returns how many went away.
func (p *Persistence) sweep(live liveSet, liveStores map[string]bool) int {
	removed := 0
	prune := func(dir string) {
		for _, name := range listDir(p.root, dir) {
			full := path.Join(dir, name)
			if live[full] {
				continue
			}
			// Only collect files that look like ours.
			base := strings.TrimSuffix(strings.TrimSuffix(name, ".json"), ".page")
			if !validDatedID(base) {
				continue
			}
			if p.root.Remove(full) == nil {
				removed++
			}
		}
	}

	prune(p.paths.iterations())
	for _, ds := range listDir(p.root, p.paths.datastores()) {
		if !liveStores[ds] {
			if p.root.RemoveAll(p.paths.datastore(ds)) == nil {
				removed++
			}
			continue
		}
		prune(path.Join(p.paths.datastore(ds), "Root"))
		prune(path.Join(p.paths.datastore(ds), "PrimaryIndex"))
		prune(path.Join(p.paths.datastore(ds), "Pages"))
		for _, sub := range []string{"DirectIndex", "ReferenceIndex"} {
			for _, name := range listDir(p.root, path.Join(p.paths.datastore(ds), sub)) {
				prune(path.Join(p.paths.datastore(ds), sub, name))
			}
		}
	}
	return removed
}
