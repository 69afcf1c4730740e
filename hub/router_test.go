package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/sergium/precursor/protocol"
)

type recordingSender struct {
	stateLock sync.Mutex
	sent      map[protocol.SessionId][]*protocol.Envelope
	fail      map[protocol.SessionId]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		sent: map[protocol.SessionId][]*protocol.Envelope{},
		fail: map[protocol.SessionId]bool{},
	}
}

func (self *recordingSender) Send(sessionId protocol.SessionId, envelope *protocol.Envelope) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.fail[sessionId] {
		return fmt.Errorf("connection gone")
	}
	self.sent[sessionId] = append(self.sent[sessionId], envelope)
	return nil
}

func (self *recordingSender) sentTo(sessionId protocol.SessionId) []*protocol.Envelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sent[sessionId]
}

func decodeChanges(t *testing.T, envelope *protocol.Envelope) *protocol.ChangesEvent {
	var event protocol.ChangesEvent
	if err := envelope.Decode(&event); err != nil {
		t.Fatal(err)
	}
	return &event
}

func TestRouteExcludesOriginator(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sender := newRecordingSender()
	router := NewRouter(registry, sender)

	documentId := protocol.DocumentId("doc1")
	sessionA := protocol.NewSessionId()
	sessionB := protocol.NewSessionId()
	sessionC := protocol.NewSessionId()
	registry.Subscribe(documentId, sessionA, "a")
	registry.Subscribe(documentId, sessionB, "b")
	registry.Subscribe(documentId, sessionC, "c")

	router.Route(&protocol.ChangeSet{
		DocumentId: documentId,
		SessionId:  sessionA,
		Records: []protocol.ChangeRecord{
			{EntityId: 5, Attr: "shape/stroke", Value: "#fff", Added: true},
		},
	})

	// no server timestamp record, so the originator gets nothing at all
	assert.Equal(t, 0, len(sender.sentTo(sessionA)))

	for _, target := range []protocol.SessionId{sessionB, sessionC} {
		envelopes := sender.sentTo(target)
		assert.Equal(t, 1, len(envelopes))
		assert.Equal(t, protocol.MessageChanges, envelopes[0].Kind)
		event := decodeChanges(t, envelopes[0])
		assert.Equal(t, 1, len(event.Records))
		assert.Equal(t, sessionA, event.SessionId)
	}
}

func TestRouteServerTimestampEcho(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sender := newRecordingSender()
	router := NewRouter(registry, sender)

	documentId := protocol.DocumentId("doc1")
	sessionA := protocol.NewSessionId()
	sessionB := protocol.NewSessionId()
	registry.Subscribe(documentId, sessionA, "a")
	registry.Subscribe(documentId, sessionB, "b")

	router.Route(&protocol.ChangeSet{
		DocumentId: documentId,
		SessionId:  sessionA,
		Records: []protocol.ChangeRecord{
			{EntityId: 5, Attr: "shape/stroke", Value: "#fff", Added: true},
			{EntityId: 0, Attr: protocol.AttrServerTimestamp, Value: "2026-01-02T03:04:05Z", Added: true},
		},
	})

	// the peer gets the full set
	peerEnvelopes := sender.sentTo(sessionB)
	assert.Equal(t, 1, len(peerEnvelopes))
	peerEvent := decodeChanges(t, peerEnvelopes[0])
	assert.Equal(t, 2, len(peerEvent.Records))

	// the originator gets only the server-assigned records
	originEnvelopes := sender.sentTo(sessionA)
	assert.Equal(t, 1, len(originEnvelopes))
	originEvent := decodeChanges(t, originEnvelopes[0])
	assert.Equal(t, 1, len(originEvent.Records))
	assert.Equal(t, protocol.AttrServerTimestamp, originEvent.Records[0].Attr)
	assert.Equal(t, true, originEvent.ServerUpdate)
}

func TestRouteServerUpdateBroadcasts(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sender := newRecordingSender()
	router := NewRouter(registry, sender)

	documentId := protocol.DocumentId("doc1")
	sessionA := protocol.NewSessionId()
	sessionB := protocol.NewSessionId()
	registry.Subscribe(documentId, sessionA, "a")
	registry.Subscribe(documentId, sessionB, "b")

	// server and bot change-sets are not private
	router.Route(&protocol.ChangeSet{
		DocumentId:   documentId,
		Records:      []protocol.ChangeRecord{{EntityId: 7, Attr: "doc/title", Value: "x", Added: true}},
		ServerUpdate: true,
	})

	assert.Equal(t, 1, len(sender.sentTo(sessionA)))
	assert.Equal(t, 1, len(sender.sentTo(sessionB)))
}

func TestRouteDeliveryFailureIsIsolated(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sender := newRecordingSender()
	router := NewRouter(registry, sender)

	documentId := protocol.DocumentId("doc1")
	sessionA := protocol.NewSessionId()
	sessionB := protocol.NewSessionId()
	sessionC := protocol.NewSessionId()
	registry.Subscribe(documentId, sessionA, "a")
	registry.Subscribe(documentId, sessionB, "b")
	registry.Subscribe(documentId, sessionC, "c")

	sender.fail[sessionB] = true

	router.Route(&protocol.ChangeSet{
		DocumentId: documentId,
		SessionId:  sessionA,
		Records:    []protocol.ChangeRecord{{EntityId: 5, Attr: "shape/stroke", Value: "#fff", Added: true}},
	})

	// one gone target does not block the rest
	assert.Equal(t, 1, len(sender.sentTo(sessionC)))
	assert.Equal(t, 0, len(sender.sentTo(sessionB)))
}

func TestRouteUnknownDocument(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sender := newRecordingSender()
	router := NewRouter(registry, sender)

	// routing to a document with no subscribers is a no-op
	router.Route(&protocol.ChangeSet{
		DocumentId: protocol.DocumentId("nobody-home"),
		SessionId:  protocol.NewSessionId(),
		Records:    []protocol.ChangeRecord{{EntityId: 5, Attr: "a", Value: "v", Added: true}},
	})
	assert.Equal(t, 0, len(sender.sent))
}

// blocks every delivery for one document until released, recording the
// rest as they land
type gatedSender struct {
	gateDoc protocol.DocumentId
	entered chan struct{}
	release chan struct{}

	stateLock sync.Mutex
	sent      map[protocol.SessionId][]*protocol.Envelope
}

func newGatedSender(gateDoc protocol.DocumentId) *gatedSender {
	return &gatedSender{
		gateDoc: gateDoc,
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
		sent:    map[protocol.SessionId][]*protocol.Envelope{},
	}
}

func (self *gatedSender) Send(sessionId protocol.SessionId, envelope *protocol.Envelope) error {
	if envelope.DocumentId == self.gateDoc {
		self.entered <- struct{}{}
		<-self.release
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.sent[sessionId] = append(self.sent[sessionId], envelope)
	return nil
}

func (self *gatedSender) sentTo(sessionId protocol.SessionId) []*protocol.Envelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sent[sessionId]
}

func TestRoutePerDocumentOrdering(t *testing.T) {
	registry := NewSubscriptionRegistry()
	sender := newGatedSender("doc1")
	router := NewRouter(registry, sender)

	session1 := protocol.NewSessionId()
	session2 := protocol.NewSessionId()
	registry.Subscribe("doc1", session1, "a")
	registry.Subscribe("doc2", session2, "b")

	waitDone := func(done chan struct{}, what string) {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal(what)
		}
	}

	first := &protocol.ChangeSet{
		DocumentId: "doc1",
		Records:    []protocol.ChangeRecord{{EntityId: 1, Attr: "a", Value: "v", Added: true}},
	}
	second := &protocol.ChangeSet{
		DocumentId: "doc1",
		Records:    []protocol.ChangeRecord{{EntityId: 2, Attr: "a", Value: "v", Added: true}},
	}

	firstDone := make(chan struct{})
	go func() {
		router.Route(first)
		close(firstDone)
	}()
	// the first change-set is now mid-delivery
	<-sender.entered

	secondDone := make(chan struct{})
	go func() {
		router.Route(second)
		close(secondDone)
	}()

	// a different document routes freely while doc1 is mid-delivery
	router.Route(&protocol.ChangeSet{
		DocumentId: "doc2",
		Records:    []protocol.ChangeRecord{{EntityId: 3, Attr: "a", Value: "v", Added: true}},
	})
	assert.Equal(t, 1, len(sender.sentTo(session2)))

	// the second doc1 change-set is not accepted until the first is
	// delivered to all targets
	select {
	case <-secondDone:
		t.Fatal("second change-set accepted before first was delivered")
	case <-time.After(100 * time.Millisecond):
	}

	close(sender.release)
	waitDone(firstDone, "first change-set not delivered")
	waitDone(secondDone, "second change-set not delivered")

	// doc1 deliveries arrive in commit order
	envelopes := sender.sentTo(session1)
	assert.Equal(t, 2, len(envelopes))
	assert.Equal(t, int64(1), decodeChanges(t, envelopes[0]).Records[0].EntityId)
	assert.Equal(t, int64(2), decodeChanges(t, envelopes[1]).Records[0].EntityId)
}
