// Snapshot iterations.
//
// An iteration is an immutable commit record: the full map of current
// root ids per datastore plus the delta against the preceding iteration.
// Iterations link backwards through precedingIteration; the chain from
// the snapshot manifest's cached current iteration down to the origin is
// the store's history, and everything any retained iteration references
// is live.
package quire

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// rootRef names one root within an iteration delta.
//
// The codec accepts the legacy form (a bare root id string) as well as
// the current {datastoreId, rootId} object; emission always uses the
// current form. Legacy refs decode with an empty DatastoreID.
type rootRef struct {
	DatastoreID string `json:"datastoreId"`
	RootID      string `json:"rootId"`
}

func (r *rootRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = rootRef{RootID: id}
		return nil
	}
	type plain rootRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = rootRef(p)
	return nil
}

// iteration is the persisted commit record.
type iteration struct {
	ID                string            `json:"id"`
	Preceding         string            `json:"precedingIteration,omitempty"`
	Roots             map[string]string `json:"roots"` // datastore id -> root id
	AddedRoots        []rootRef         `json:"addedRoots,omitempty"`
	RemovedRoots      []rootRef         `json:"removedRoots,omitempty"`
	AddedDatastores   []string          `json:"addedDatastores,omitempty"`
	RemovedDatastores []string          `json:"removedDatastores,omitempty"`
	CreationTime      time.Time         `json:"creationTime"`
}

func decodeIteration(id string, data []byte) (*iteration, error) {
	var it iteration
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("%w: iteration %s", ErrCorruptManifest, id)
	}
	it.ID = id
	return &it, nil
}

// successor builds the iteration committing the given roots on top of
// prev. prev may be nil for the first commit of a snapshot.
func successor(prev *iteration, roots map[string]string) *iteration {
	next := &iteration{
		ID:           datedID(),
		Roots:        make(map[string]string, len(roots)),
		CreationTime: time.Now().UTC(),
	}
	var old map[string]string
	if prev != nil {
		next.Preceding = prev.ID
		old = prev.Roots
	}
	for ds, root := range roots {
		next.Roots[ds] = root
		before, existed := old[ds]
		if !existed {
			next.AddedDatastores = append(next.AddedDatastores, ds)
		}
		if before != root {
			next.AddedRoots = append(next.AddedRoots, rootRef{DatastoreID: ds, RootID: root})
			if existed {
				next.RemovedRoots = append(next.RemovedRoots, rootRef{DatastoreID: ds, RootID: before})
			}
		}
	}
	for ds, root := range old {
		if _, still := roots[ds]; !still {
			next.RemovedDatastores = append(next.RemovedDatastores, ds)
			next.RemovedRoots = append(next.RemovedRoots, rootRef{DatastoreID: ds, RootID: root})
		}
	}
	return next
}
