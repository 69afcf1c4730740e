package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/sergium/precursor/hub"
	"github.com/sergium/precursor/protocol"
)

func startTestHub(t *testing.T) (*httptest.Server, func()) {
	store := hub.NewMemoryStore()
	store.AutoCreate = true
	h := hub.NewHubWithDefaults(context.Background(), store, hub.NewStaticAccessChecker(true))
	server := httptest.NewServer(h)
	return server, func() {
		server.Close()
		h.Close()
	}
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnSubscribeAndSync(t *testing.T) {
	server, shutdown := startTestHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tapA := NewTapWithDefaults()
	connA := NewConnWithDefaults(ctx, wsUrl(server), protocol.NewClientId(protocol.NewSessionId()), "", tapA)
	defer connA.Close()

	tapB := NewTapWithDefaults()
	connB := NewConnWithDefaults(ctx, wsUrl(server), protocol.NewClientId(protocol.NewSessionId()), "", tapB)
	defer connB.Close()

	subscribe := func(conn *Conn, name string) *protocol.SubscribeReply {
		request, err := protocol.NewEnvelope(protocol.MessageSubscribe, "doc1", &protocol.SubscribeRequest{DisplayName: name})
		assert.Equal(t, nil, err)
		reply, err := conn.SendRequestSync(request, 5*time.Second)
		assert.Equal(t, nil, err)
		assert.Equal(t, protocol.MessageSubscribeReply, reply.Kind)

		var subscribeReply protocol.SubscribeReply
		if err := reply.Decode(&subscribeReply); err != nil {
			t.Fatal(err)
		}
		return &subscribeReply
	}

	replyA := subscribe(connA, "a")
	replyB := subscribe(connB, "b")
	assert.NotEqual(t, replyA.Presence.Color, replyB.Presence.Color)

	// mint entity ids on a's stripe and sync a local commit
	allocator := NewIdAllocator(replyA.Stripe)
	entityId := allocator.Next()

	queue := NewSyncQueueWithDefaults(connA.SendBatch)
	events := make(chan string, 8)
	queue.AddErrorCallback(func(batch *Batch, err error) {
		events <- "error"
	})
	queue.AddRejectionCallback(func(batch *Batch, rejected []protocol.ChangeRecord) {
		events <- "rejected"
	})

	queue.EnqueueCommit(&protocol.ChangeSet{
		DocumentId: "doc1",
		Records: []protocol.ChangeRecord{
			{EntityId: entityId, Attr: "shape/stroke", Value: "#abc", Added: true},
		},
	})

	// b sees the committed records arrive through its tap
	deadline := time.After(5 * time.Second)
	for {
		var envelope *protocol.Envelope
		select {
		case <-deadline:
			t.Fatal("no changes event")
		case envelope = <-tapB.events:
		}
		if envelope.Kind != protocol.MessageChanges {
			continue
		}
		var changes protocol.ChangesEvent
		if err := envelope.Decode(&changes); err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, 2, len(changes.Records))
		assert.Equal(t, entityId, changes.Records[0].EntityId)
		break
	}

	// the clean reply produced no sync events
	select {
	case event := <-events:
		t.Fatalf("unexpected sync event %s", event)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, queue.PendingCount())
}

func TestConnSyncRejection(t *testing.T) {
	server, shutdown := startTestHub(t)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tap := NewTapWithDefaults()
	conn := NewConnWithDefaults(ctx, wsUrl(server), protocol.NewClientId(protocol.NewSessionId()), "", tap)
	defer conn.Close()

	request, _ := protocol.NewEnvelope(protocol.MessageSubscribe, "doc1", nil)
	_, err := conn.SendRequestSync(request, 5*time.Second)
	assert.Equal(t, nil, err)

	queue := NewSyncQueueWithDefaults(conn.SendBatch)
	rejectedC := make(chan []protocol.ChangeRecord, 1)
	queue.AddRejectionCallback(func(batch *Batch, rejected []protocol.ChangeRecord) {
		rejectedC <- rejected
	})

	queue.EnqueueCommit(&protocol.ChangeSet{
		DocumentId: "doc1",
		Records: []protocol.ChangeRecord{
			{EntityId: 10, Attr: "shape/stroke", Value: "#abc", Added: true},
			// refused by the server: no attribute
			{EntityId: 11, Attr: "", Value: "x", Added: true},
		},
	})

	select {
	case rejected := <-rejectedC:
		assert.Equal(t, 1, len(rejected))
		assert.Equal(t, int64(11), rejected[0].EntityId)
	case <-time.After(5 * time.Second):
		t.Fatal("no rejection event")
	}
}

func TestConnRequestTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing is listening on this address
	tap := NewTapWithDefaults()
	conn := NewConn(ctx, "ws://127.0.0.1:1", protocol.NewClientId(protocol.NewSessionId()), "", tap, &ConnSettings{
		WsHandshakeTimeout: 100 * time.Millisecond,
		ReconnectTimeout:   100 * time.Millisecond,
		PingTimeout:        time.Second,
		WriteTimeout:       time.Second,
		ReadTimeout:        time.Second,
		SendBufferSize:     1,
	})
	defer conn.Close()

	request, _ := protocol.NewEnvelope(protocol.MessageFetchCreated, "", nil)
	_, err := conn.SendRequestSync(request, 300*time.Millisecond)
	assert.Equal(t, ErrRequestTimeout, err)
}

func TestRemoteErrorSurfaced(t *testing.T) {
	store := hub.NewMemoryStore()
	store.AutoCreate = true
	// the checker denies everyone
	h := hub.NewHubWithDefaults(context.Background(), store, hub.NewStaticAccessChecker(false))
	defer h.Close()
	server := httptest.NewServer(h)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tap := NewTapWithDefaults()
	conn := NewConnWithDefaults(ctx, wsUrl(server), protocol.NewClientId(protocol.NewSessionId()), "", tap)
	defer conn.Close()

	request, _ := protocol.NewEnvelope(protocol.MessageSubscribe, "doc1", nil)
	_, err := conn.SendRequestSync(request, 5*time.Second)

	remoteErr, ok := err.(*RemoteError)
	assert.Equal(t, true, ok)
	assert.Equal(t, 401, remoteErr.Status)
	assert.Equal(t, "login", remoteErr.Key)
}

func TestSendRequestShortTimeoutRepliesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nothing is listening, so every request can only time out
	tap := NewTapWithDefaults()
	conn := NewConn(ctx, "ws://127.0.0.1:1", protocol.NewClientId(protocol.NewSessionId()), "", tap, &ConnSettings{
		WsHandshakeTimeout: 100 * time.Millisecond,
		ReconnectTimeout:   100 * time.Millisecond,
		PingTimeout:        time.Second,
		WriteTimeout:       time.Second,
		ReadTimeout:        time.Second,
		SendBufferSize:     256,
	})
	defer conn.Close()

	// a timeout shorter than the registration path must still resolve
	// each request exactly once instead of stranding the pending entry
	n := 100
	replies := make(chan error, n)
	for i := 0; i < n; i += 1 {
		request, _ := protocol.NewEnvelope(protocol.MessageFetchCreated, "", nil)
		conn.SendRequest(request, time.Nanosecond, func(reply *protocol.Envelope, err error) {
			replies <- err
		})
	}

	for i := 0; i < n; i += 1 {
		select {
		case err := <-replies:
			assert.Equal(t, ErrRequestTimeout, err)
		case <-time.After(2 * time.Second):
			t.Fatal("request never resolved")
		}
	}

	conn.stateLock.Lock()
	pendingCount := len(conn.pending)
	conn.stateLock.Unlock()
	assert.Equal(t, 0, pendingCount)
}
