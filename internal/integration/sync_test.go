// End-to-end coverage of the client runtime against a live sync hub: topic
// channels over websocket, presence fan-out, the change feed and the cache
// working against the persisted store.
package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gridforge/tabletop/internal/cache"
	"github.com/gridforge/tabletop/internal/changefeed"
	"github.com/gridforge/tabletop/internal/realtime"
	"github.com/gridforge/tabletop/internal/services/sync/app"
	"github.com/gridforge/tabletop/internal/services/sync/storage/sqlite"
	"github.com/gridforge/tabletop/internal/store"
	"github.com/gridforge/tabletop/internal/wire"
)

func newHub(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := app.NewApp(st, app.Options{
		PresenceTTL:   500 * time.Millisecond,
		PresenceSweep: 50 * time.Millisecond,
	})
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newClientTransport(t *testing.T, srv *httptest.Server) *realtime.WSTransport {
	t.Helper()
	transport := realtime.NewWSTransport(realtime.WSConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Origin: srv.URL,
	})
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPresenceIsSharedAcrossClients(t *testing.T) {
	srv := newHub(t)
	ctx := context.Background()

	registryA := realtime.NewRegistry(newClientTransport(t, srv))
	registryB := realtime.NewRegistry(newClientTransport(t, srv))

	chA, err := registryA.Join(ctx, "map_1")
	if err != nil {
		t.Fatalf("client A join: %v", err)
	}
	chB, err := registryB.Join(ctx, "map_1")
	if err != nil {
		t.Fatalf("client B join: %v", err)
	}

	var mu sync.Mutex
	var latest []wire.Member
	remove, err := chA.OnPresence(func(members []wire.Member) {
		mu.Lock()
		latest = members
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("OnPresence: %v", err)
	}
	defer remove()

	trackerA := realtime.NewTracker(realtime.NewIdentity(nil, &realtime.MemoryCredentialStore{}))
	trackerB := realtime.NewTracker(realtime.NewIdentity(nil, &realtime.MemoryCredentialStore{}))

	idA, err := trackerA.Track(ctx, chA)
	if err != nil {
		t.Fatalf("client A track: %v", err)
	}
	idB, err := trackerB.Track(ctx, chB)
	if err != nil {
		t.Fatalf("client B track: %v", err)
	}
	if idA == idB {
		t.Fatalf("both clients resolved the same identity %q", idA)
	}

	waitFor(t, 2*time.Second, "both members in presence", func() bool {
		mu.Lock()
		defer mu.Unlock()
		seen := map[string]bool{}
		for _, m := range latest {
			seen[m.UserID] = true
		}
		return seen[idA] && seen[idB]
	})
}

func TestChangeFeedDeliversCommittedMutations(t *testing.T) {
	srv := newHub(t)
	ctx := context.Background()

	registry := realtime.NewRegistry(newClientTransport(t, srv))
	feed := changefeed.New(registry)

	var mu sync.Mutex
	var changes []wire.Change
	cancel, err := feed.Subscribe(ctx, changefeed.Subscription{
		Topic:  "map_1",
		Table:  "tokens",
		Filter: "map_id=eq.map_1",
		OnChange: func(change wire.Change) {
			mu.Lock()
			changes = append(changes, change)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	storeClient := store.NewHTTPClient(srv.URL, srv.Client())
	result, err := storeClient.Mutate(ctx, store.Mutation{
		Table: "tokens",
		Op:    store.OpInsert,
		Row:   map[string]any{"name": "goblin", "map_id": "map_1", "x": 3, "y": 4},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	insertedID, _ := result.Row["id"].(string)
	if insertedID == "" {
		t.Fatal("expected the store to assign a row id")
	}

	// A row on another map must not leak through the filter.
	if _, err := storeClient.Mutate(ctx, store.Mutation{
		Table: "tokens",
		Op:    store.OpInsert,
		Row:   map[string]any{"name": "ogre", "map_id": "map_2"},
	}); err != nil {
		t.Fatalf("Mutate other map: %v", err)
	}

	waitFor(t, 2*time.Second, "insert change", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) >= 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1 (filtered)", len(changes))
	}
	if changes[0].Op != wire.OpInsert || changes[0].NewRow["id"] != insertedID {
		t.Fatalf("unexpected change: %+v", changes[0])
	}
}

func TestChangeFeedObservesWritesInCommitOrder(t *testing.T) {
	srv := newHub(t)
	ctx := context.Background()

	storeClient := store.NewHTTPClient(srv.URL, srv.Client())
	inserted, err := storeClient.Mutate(ctx, store.Mutation{
		Table: "tokens",
		Op:    store.OpInsert,
		Row:   map[string]any{"name": "goblin", "map_id": "map_1", "x": 0},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	rowID, _ := inserted.Row["id"].(string)
	if rowID == "" {
		t.Fatal("expected the store to assign a row id")
	}

	registry := realtime.NewRegistry(newClientTransport(t, srv))
	feed := changefeed.New(registry)
	var mu sync.Mutex
	var changes []wire.Change
	cancel, err := feed.Subscribe(ctx, changefeed.Subscription{
		Topic:  "map_1",
		Table:  "tokens",
		Filter: "id=eq." + rowID,
		OnChange: func(change wire.Change) {
			mu.Lock()
			changes = append(changes, change)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	const writers = 2
	const writesPerWriter = 10
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := store.NewHTTPClient(srv.URL, srv.Client())
			for i := range writesPerWriter {
				_, err := client.Mutate(ctx, store.Mutation{
					Table:  "tokens",
					Op:     store.OpUpdate,
					Filter: "id=eq." + rowID,
					Row:    map[string]any{"x": w*writesPerWriter + i + 1},
				})
				if err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, "every update on the feed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) >= writers*writesPerWriter
	})

	rows, err := storeClient.Query(ctx, store.Query{Table: "tokens", Filter: "id=eq." + rowID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}

	// The last change on the feed is the last committed write.
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != writers*writesPerWriter {
		t.Fatalf("changes = %d, want %d", len(changes), writers*writesPerWriter)
	}
	last := changes[len(changes)-1]
	if got, want := last.NewRow["x"], rows[0]["x"]; got != want {
		t.Fatalf("last change x = %v, want committed %v", got, want)
	}
}

func TestCacheMergesChangeFeedIntoReads(t *testing.T) {
	srv := newHub(t)
	ctx := context.Background()

	storeClient := store.NewHTTPClient(srv.URL, srv.Client())
	c := cache.New(storeClient)
	key := cache.Key{Table: "tokens", Filter: "map_id=eq.map_1"}

	if rows, err := c.Read(ctx, key); err != nil || len(rows) != 0 {
		t.Fatalf("cold read rows=%v err=%v, want empty", rows, err)
	}

	registry := realtime.NewRegistry(newClientTransport(t, srv))
	feed := changefeed.New(registry)
	cancel, err := feed.Subscribe(ctx, changefeed.Subscription{
		Topic:  "map_1",
		Table:  "tokens",
		Filter: "map_id=eq.map_1",
		OnChange: func(change wire.Change) {
			c.Merge(key, change)
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := storeClient.Mutate(ctx, store.Mutation{
		Table: "tokens",
		Op:    store.OpInsert,
		Row:   map[string]any{"name": "goblin", "map_id": "map_1"},
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	waitFor(t, 2*time.Second, "merged row in cache", func() bool {
		rows, err := c.Read(ctx, key)
		return err == nil && len(rows) == 1 && rows[0]["name"] == "goblin"
	})
}

func TestDeleteIsIdempotentAcrossClients(t *testing.T) {
	srv := newHub(t)
	ctx := context.Background()

	clientA := store.NewHTTPClient(srv.URL, srv.Client())
	clientB := store.NewHTTPClient(srv.URL, srv.Client())

	result, err := clientA.Mutate(ctx, store.Mutation{
		Table: "tokens",
		Op:    store.OpInsert,
		Row:   map[string]any{"name": "goblin", "map_id": "map_1"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	rowID, _ := result.Row["id"].(string)

	first, err := clientA.Mutate(ctx, store.Mutation{
		Table:  "tokens",
		Op:     store.OpDelete,
		Filter: "id=eq." + rowID,
	})
	if err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if !first.Deleted {
		t.Fatal("first delete should report Deleted=true")
	}

	second, err := clientB.Mutate(ctx, store.Mutation{
		Table:  "tokens",
		Op:     store.OpDelete,
		Filter: "id=eq." + rowID,
	})
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if second.Deleted {
		t.Fatal("second delete should report Deleted=false, not an error")
	}
}
