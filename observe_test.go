// Observation bus tests.
//
// Delivery guarantees under test: events appear only after commit, in
// transaction order within a transaction and commit order across
// transactions; cancelled transactions emit nothing; skipObservations
// suppresses emission.
package quire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recv pulls one event with a timeout so a delivery bug fails fast
// instead of hanging the suite.
func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// TestObserveLifecycleEvents verifies created/updated/deleted arrive in
// order with the right payloads.
func TestObserveLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	_, ds := openTestDatastore(t)
	sub := ds.Observe()
	defer sub.Cancel()

	require.NoError(t, ds.Persist(ctx, KeyString("a"), &doc{ID: "a", Value: "one"}))
	require.NoError(t, ds.Persist(ctx, KeyString("a"), &doc{ID: "a", Value: "two"}))
	require.NoError(t, ds.Delete(ctx, KeyString("a")))

	created := recv(t, sub)
	assert.Equal(t, Created, created.Kind)
	assert.True(t, created.ID.Equal(KeyString("a")))
	assert.Nil(t, created.Before)
	assert.NotNil(t, created.After)

	updated := recv(t, sub)
	assert.Equal(t, Updated, updated.Kind)
	assert.Equal(t, created.After, updated.Before, "update's before is create's after")

	deleted := recv(t, sub)
	assert.Equal(t, Deleted, deleted.Kind)
	assert.Nil(t, deleted.After)
	assert.Equal(t, updated.After, deleted.Before)
}

// TestObserveTransactionOrder verifies all events of one transaction
// arrive together in the order the writes happened.
func TestObserveTransactionOrder(t *testing.T) {
	ctx := context.Background()
	p, ds := openTestDatastore(t)
	sub := ds.Observe()
	defer sub.Cancel()

	require.NoError(t, p.Update(ctx, func(ctx context.Context, _ *Txn) error {
		for _, id := range []string{"c", "a", "b"} {
			if err := ds.Persist(ctx, KeyString(id), &doc{ID: id, Value: "v"}); err != nil {
				return err
			}
		}
		return nil
	}))

	var got []string
	for range 3 {
		got = append(got, string(recv(t, sub).ID))
	}
	assert.Equal(t, []string{"c", "a", "b"}, got, "delivery follows write order, not key order")
}

// TestObserveNothingBeforeCommit verifies no event is visible while the
// transaction is still open.
func TestObserveNothingBeforeCommit(t *testing.T) {
	ctx := context.Background()
	p, ds := openTestDatastore(t)
	sub := ds.Observe()
	defer sub.Cancel()

	require.NoError(t, p.Update(ctx, func(ctx context.Context, _ *Txn) error {
		if err := ds.Persist(ctx, KeyString("x"), &doc{ID: "x", Value: "v"}); err != nil {
			return err
		}
		select {
		case e := <-sub.Events():
			return errors.New("event leaked before commit: " + e.Kind.String())
		case <-time.After(50 * time.Millisecond):
			return nil
		}
	}))
	assert.Equal(t, Created, recv(t, sub).Kind)
}

// TestObserveCancelledTransactionSilent verifies a failed transaction
// emits nothing.
func TestObserveCancelledTransactionSilent(t *testing.T) {
	ctx := context.Background()
	p, ds := openTestDatastore(t)
	sub := ds.Observe()
	defer sub.Cancel()

	boom := errors.New("boom")
	err := p.Update(ctx, func(ctx context.Context, _ *Txn) error {
		if err := ds.Persist(ctx, KeyString("ghost"), &doc{ID: "ghost", Value: "v"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, ds.Persist(ctx, KeyString("real"), &doc{ID: "real", Value: "v"}))
	first := recv(t, sub)
	assert.True(t, first.ID.Equal(KeyString("real")), "first delivered event is from the committed txn")
}

// TestObserveSkipObservations verifies the unsafe flag suppresses
// emission for that transaction only.
func TestObserveSkipObservations(t *testing.T) {
	ctx := context.Background()
	p, ds := openTestDatastore(t)
	sub := ds.Observe()
	defer sub.Cancel()

	require.NoError(t, p.UpdateWith(ctx, SkipObservations, func(ctx context.Context, _ *Txn) error {
		return ds.Persist(ctx, KeyString("silent"), &doc{ID: "silent", Value: "v"})
	}))
	require.NoError(t, ds.Persist(ctx, KeyString("loud"), &doc{ID: "loud", Value: "v"}))

	first := recv(t, sub)
	assert.True(t, first.ID.Equal(KeyString("loud")))
}

// TestObserveCancelStopsDelivery verifies Cancel closes the stream.
func TestObserveCancelStopsDelivery(t *testing.T) {
	_, ds := openTestDatastore(t)
	sub := ds.Observe()
	sub.Cancel()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "channel must be closed after Cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after Cancel")
	}
}
