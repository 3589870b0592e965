package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/go-playground/assert/v2"
)

// a store with no socket attached, for exercising the merge rules directly
func newDetachedStore() *Store {
	return &Store{
		skullCallbacks:      NewCallbackList[SkullsFunction](),
		quickCallbacks:      NewCallbackList[QuicksFunction](),
		occurrenceCallbacks: NewCallbackList[OccurrencesFunction](),
	}
}

func testSkull(id int64, name string) *Skull {
	return &Skull{
		Id:    id,
		Name:  name,
		Color: 0xffffff,
		Icon:  "icon",
		Price: 1.0,
	}
}

func TestStoreSetSkullsUpsert(t *testing.T) {
	store := newDetachedStore()

	store.setSkulls([]*Skull{testSkull(1, "coffee"), testSkull(2, "soda")}, false)
	assert.Equal(t, 2, len(store.Skulls()))

	store.setSkulls([]*Skull{testSkull(1, "espresso")}, false)
	skulls := store.Skulls()
	assert.Equal(t, 2, len(skulls))
	assert.Equal(t, "espresso", skulls[0].Name)
	assert.Equal(t, "soda", skulls[1].Name)
}

func TestStoreSkullUpdateRefreshesQuicks(t *testing.T) {
	store := newDetachedStore()
	store.setSkulls([]*Skull{testSkull(1, "coffee")}, false)
	store.setQuicks([]*RawQuick{{Id: 11, Skull: 1, Amount: 2.0}}, false)

	quickBroadcasts := &atomic.Int32{}
	unsub := store.AddQuicksCallback(func(quicks []*Quick) {
		quickBroadcasts.Add(1)
	})
	defer unsub()

	store.setSkulls([]*Skull{testSkull(1, "espresso")}, false)

	quicks := store.Quicks()
	assert.Equal(t, 1, len(quicks))
	assert.Equal(t, "espresso", quicks[0].Skull.Name)
	assert.Equal(t, int32(1), quickBroadcasts.Load())
}

func TestStoreRemoveSkullCascades(t *testing.T) {
	store := newDetachedStore()
	store.setSkulls([]*Skull{testSkull(1, "coffee"), testSkull(2, "soda")}, false)
	store.setQuicks([]*RawQuick{
		{Id: 11, Skull: 1, Amount: 2.0},
		{Id: 12, Skull: 2, Amount: 0.5},
	}, false)

	quickBroadcasts := &atomic.Int32{}
	unsub := store.AddQuicksCallback(func(quicks []*Quick) {
		quickBroadcasts.Add(1)
	})
	defer unsub()

	store.removeSkull(1)

	skulls := store.Skulls()
	assert.Equal(t, 1, len(skulls))
	assert.Equal(t, int64(2), skulls[0].Id)

	quicks := store.Quicks()
	assert.Equal(t, 1, len(quicks))
	assert.Equal(t, int64(12), quicks[0].Id)
	assert.Equal(t, int32(1), quickBroadcasts.Load())

	// a skull with no dependent quicks does not broadcast quicks
	store.removeSkull(2)
	assert.Equal(t, 0, len(store.Skulls()))
	assert.Equal(t, 1, len(store.Quicks()))
	assert.Equal(t, int32(1), quickBroadcasts.Load())
}

func TestStoreRemoveSkullMissing(t *testing.T) {
	store := newDetachedStore()
	store.setSkulls([]*Skull{testSkull(1, "coffee")}, false)

	broadcasts := &atomic.Int32{}
	unsub := store.AddSkullsCallback(func(skulls []*Skull) {
		broadcasts.Add(1)
	})
	defer unsub()

	store.removeSkull(999)
	assert.Equal(t, 1, len(store.Skulls()))
	assert.Equal(t, int32(0), broadcasts.Load())
}

func TestStoreSetQuicksMergeByValue(t *testing.T) {
	store := newDetachedStore()
	store.setSkulls([]*Skull{testSkull(1, "coffee")}, false)
	store.setQuicks([]*RawQuick{{Id: 11, Skull: 1, Amount: 2.0}}, false)

	// the server re-ranked and reassigned the id for the same value pair
	store.setQuicks([]*RawQuick{{Id: 99, Skull: 1, Amount: 2.0}}, false)
	quicks := store.Quicks()
	assert.Equal(t, 1, len(quicks))
	assert.Equal(t, int64(99), quicks[0].Id)

	// same skull, different amount is a distinct quick
	store.setQuicks([]*RawQuick{{Id: 13, Skull: 1, Amount: 3.0}}, false)
	assert.Equal(t, 2, len(store.Quicks()))
}

func TestStoreSetQuicksDropsUnknownSkull(t *testing.T) {
	store := newDetachedStore()
	store.setSkulls([]*Skull{testSkull(1, "coffee")}, false)

	broadcasts := &atomic.Int32{}
	unsub := store.AddQuicksCallback(func(quicks []*Quick) {
		broadcasts.Add(1)
	})
	defer unsub()

	store.setQuicks([]*RawQuick{
		{Id: 11, Skull: 999, Amount: 1.0},
		{Id: 12, Skull: 1, Amount: 0.5},
	}, false)

	quicks := store.Quicks()
	assert.Equal(t, 1, len(quicks))
	assert.Equal(t, int64(12), quicks[0].Id)
	assert.Equal(t, int32(1), broadcasts.Load())

	// a batch of only unknown references changes nothing and stays silent
	store.setQuicks([]*RawQuick{{Id: 13, Skull: 998, Amount: 1.0}}, false)
	assert.Equal(t, 1, len(store.Quicks()))
	assert.Equal(t, int32(1), broadcasts.Load())
}

func TestStoreEmptyLoadBroadcastsOnlyForced(t *testing.T) {
	store := newDetachedStore()

	broadcasts := &atomic.Int32{}
	unsub := store.AddSkullsCallback(func(skulls []*Skull) {
		broadcasts.Add(1)
	})
	defer unsub()

	store.setSkulls([]*Skull{}, false)
	assert.Equal(t, int32(0), broadcasts.Load())

	// a forced empty load is how "the collection is empty" propagates
	store.setSkulls([]*Skull{}, true)
	assert.Equal(t, int32(1), broadcasts.Load())
}

func TestStoreSetOccurrencesUpsert(t *testing.T) {
	store := newDetachedStore()
	at := time.UnixMilli(1700000000000)

	store.setOccurrences([]*Occurrence{
		{Id: 101, Skull: 1, Amount: 2.0, At: at},
		{Id: 102, Skull: 1, Amount: 1.0, At: at},
	}, false)
	assert.Equal(t, 2, len(store.Occurrences()))

	store.setOccurrences([]*Occurrence{
		{Id: 101, Skull: 1, Amount: 5.0, At: at},
	}, false)
	occurrences := store.Occurrences()
	assert.Equal(t, 2, len(occurrences))
	assert.Equal(t, 5.0, occurrences[0].Amount)

	store.removeOccurrence(102)
	occurrences = store.Occurrences()
	assert.Equal(t, 1, len(occurrences))
	assert.Equal(t, int64(101), occurrences[0].Id)
}

func TestStorePushRouting(t *testing.T) {
	store := newDetachedStore()
	store.setSkulls([]*Skull{testSkull(1, "coffee")}, false)

	created := testSkull(2, "soda")
	handled := store.handlePush(&Message{Push: &Push{SkullCreated: created}})
	assert.Equal(t, true, handled)
	assert.Equal(t, 2, len(store.Skulls()))

	skullId := int64(2)
	handled = store.handlePush(&Message{Push: &Push{SkullDeleted: &skullId}})
	assert.Equal(t, true, handled)
	assert.Equal(t, 1, len(store.Skulls()))

	at := time.UnixMilli(1700000000000)
	handled = store.handlePush(&Message{Push: &Push{OccurrencesCreated: []*Occurrence{
		{Id: 101, Skull: 1, Amount: 2.0, At: at},
	}}})
	assert.Equal(t, true, handled)
	assert.Equal(t, 1, len(store.Occurrences()))

	handled = store.handlePush(&Message{Push: &Push{OccurrenceUpdated: &Occurrence{
		Id: 101, Skull: 1, Amount: 3.0, At: at,
	}}})
	assert.Equal(t, true, handled)
	assert.Equal(t, 3.0, store.Occurrences()[0].Amount)

	occurrenceId := int64(101)
	handled = store.handlePush(&Message{Push: &Push{OccurrenceDeleted: &occurrenceId}})
	assert.Equal(t, true, handled)
	assert.Equal(t, 0, len(store.Occurrences()))

	// quick pushes and correlated responses are declined
	quickId := int64(11)
	assert.Equal(t, false, store.handlePush(&Message{Push: &Push{QuickDeleted: &quickId}}))
	assert.Equal(t, false, store.handlePush(&Message{Response: &Response{}}))
	assert.Equal(t, false, store.handlePush(&Message{}))
}

func TestStoreEnsureSkullsFetchesOnce(t *testing.T) {
	listRequests := &atomic.Int32{}
	_, socket, shutdown := openTestSocket(t, func(conn *websocket.Conn, request *testRequest) {
		if request.Skull != "list" {
			return
		}
		listRequests.Add(1)
		respond(t, conn, map[string]any{
			"id": request.Id,
			"skulls": []any{
				skullTuple(1, "coffee", 0xff8800, "mug", 2.5),
			},
		})
	})
	defer shutdown()

	store := NewStore(socket)
	defer store.Dispose()

	assert.Equal(t, false, store.IsSkullsLoaded())
	assert.Equal(t, nil, store.EnsureSkulls())
	assert.Equal(t, true, store.IsSkullsLoaded())
	assert.Equal(t, 1, len(store.Skulls()))

	// already loaded, no second fetch
	assert.Equal(t, nil, store.EnsureSkulls())
	assert.Equal(t, int32(1), listRequests.Load())
}

func TestStoreEnsureOccurrencesWindow(t *testing.T) {
	type searchShape struct {
		Start int64  `msgpack:"start"`
		End   *int64 `msgpack:"end"`
	}
	searches := make(chan *searchShape, 2)

	_, socket, shutdown := openTestSocket(t, func(conn *websocket.Conn, request *testRequest) {
		raw, ok := request.Occurrence["search"]
		if !ok {
			return
		}
		search := &searchShape{}
		assert.Equal(t, nil, msgpack.Unmarshal(raw, search))
		searches <- search
		respond(t, conn, map[string]any{
			"id":          request.Id,
			"occurrences": []any{},
		})
	})
	defer shutdown()

	store := NewStore(socket)
	defer store.Dispose()

	today := time.UnixMilli(1700000000000)
	weekAgo := today.AddDate(0, 0, -7)

	assert.Equal(t, nil, store.EnsureOccurrences(today))
	first := <-searches
	assert.Equal(t, today.UnixMilli(), first.Start)
	assert.Equal(t, (*int64)(nil), first.End)

	// already covered, no request
	assert.Equal(t, true, store.IsOccurrencesLoadedSince(today))
	assert.Equal(t, nil, store.EnsureOccurrences(today))

	// extending the window passes the prior boundary as the end
	assert.Equal(t, nil, store.EnsureOccurrences(weekAgo))
	second := <-searches
	assert.Equal(t, weekAgo.UnixMilli(), second.Start)
	assert.Equal(t, today.UnixMilli(), *second.End)
	assert.Equal(t, true, store.IsOccurrencesLoadedSince(weekAgo))
}

func TestStoreCreateSync(t *testing.T) {
	_, socket, shutdown := openTestSocket(t, func(conn *websocket.Conn, request *testRequest) {
		if _, ok := request.Occurrence["create"]; !ok {
			return
		}
		respond(t, conn, map[string]any{
			"id":     request.Id,
			"change": "created",
		})
	})
	defer shutdown()

	store := NewStore(socket)
	defer store.Dispose()

	result, err := store.CreateSync(&ProtoOccurrence{
		Skull:  1,
		Amount: 2.0,
		At:     time.UnixMilli(1700000000000),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "created", result.Change)
}

func TestStoreQueueFlushOnOpen(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, nil, err)
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := NewSocket(ctx, "ws://"+addr+"/", "", nil, testSocketSettings())
	defer socket.Close()
	store := NewStore(socket)
	defer store.Dispose()

	results := make(chan error, 1)
	go func() {
		results <- store.EnsureSkulls()
	}()

	// the call queues while the socket retries
	select {
	case err := <-results:
		t.Fatalf("call resolved before the connection opened: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	server := newLateServer(t, addr, func(conn *websocket.Conn, request *testRequest) {
		if request.Skull != "list" {
			return
		}
		respond(t, conn, map[string]any{
			"id": request.Id,
			"skulls": []any{
				skullTuple(1, "coffee", 0xff8800, "mug", 2.5),
			},
		})
	})
	defer server.Close()

	select {
	case err := <-results:
		assert.Equal(t, nil, err)
	case <-time.After(3 * time.Second):
		t.Fatal("queued call never flushed")
	}
	assert.Equal(t, 1, len(store.Skulls()))
}

func TestStoreQueueRejectedOnTerminal(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, nil, err)
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testSocketSettings()
	settings.ReconnectDelays = []time.Duration{0}
	socket := NewSocket(ctx, "ws://"+addr+"/", "", nil, settings)
	defer socket.Close()
	store := NewStore(socket)
	defer store.Dispose()

	err = store.EnsureSkulls()
	assert.Equal(t, ErrTransportUnusable, err)
	assert.Equal(t, false, store.IsSkullsLoaded())
}

func TestStoreRefetchOnReopen(t *testing.T) {
	listRequests := make(chan struct{}, 4)
	server, socket, shutdown := openTestSocket(t, func(conn *websocket.Conn, request *testRequest) {
		if request.Skull != "list" {
			return
		}
		listRequests <- struct{}{}
		respond(t, conn, map[string]any{
			"id": request.Id,
			"skulls": []any{
				skullTuple(1, "coffee", 0xff8800, "mug", 2.5),
			},
		})
	})
	defer shutdown()

	store := NewStore(socket)
	defer store.Dispose()

	assert.Equal(t, nil, store.EnsureSkulls())
	<-listRequests

	server.closeConn()
	waitForState(t, socket, SocketStateOpen, 2*time.Second)

	// the reopen reconciles the loaded collection with a fresh fetch
	select {
	case <-listRequests:
	case <-time.After(2 * time.Second):
		t.Fatal("no refetch after reopen")
	}
}
