package hub

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/maps"

	"github.com/sergium/precursor/protocol"
)

// identifier stripe width handed to subscribers. offset 0 is never
// assigned because entity 0 is reserved for the transaction itself, so
// offsets are unique per document while fewer than width-1 sessions
// have joined since the document entry was created.
const DefaultStripeWidth = 1024

// a partial presence update. nil fields are left unchanged.
type PresencePatch struct {
	Color       *string
	DisplayName *string
	ShowMouse   *bool
}

type documentEntry struct {
	stateLock sync.Mutex
	// set when the entry has been dropped from the registry map.
	// an operation that raced the drop must re-resolve the entry.
	removed          bool
	subscribers      map[protocol.SessionId]protocol.PresenceInfo
	nextStripeOffset int64
}

// the single piece of state shared across all connection workers.
// the registry map has its own lock; each document entry has its own,
// so subscribers of unrelated documents never contend.
// lock order is always registry then entry.
// no lock is held during outbound i/o. callers get snapshots and must
// tolerate them going stale immediately.
type SubscriptionRegistry struct {
	palette []string

	stateLock sync.Mutex
	documents map[protocol.DocumentId]*documentEntry
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		palette:   PresencePalette,
		documents: map[protocol.DocumentId]*documentEntry{},
	}
}

func (self *SubscriptionRegistry) getOrCreateEntry(documentId protocol.DocumentId) *documentEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.documents[documentId]
	if !ok {
		entry = &documentEntry{
			subscribers:      map[protocol.SessionId]protocol.PresenceInfo{},
			nextStripeOffset: 1,
		}
		self.documents[documentId] = entry
	}
	return entry
}

func (self *SubscriptionRegistry) getEntry(documentId protocol.DocumentId) *documentEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.documents[documentId]
}

// idempotent. a session that is already subscribed keeps its color and
// gets its display name refreshed.
func (self *SubscriptionRegistry) Subscribe(documentId protocol.DocumentId, sessionId protocol.SessionId, displayName string) protocol.PresenceInfo {
	for {
		entry := self.getOrCreateEntry(documentId)

		entry.stateLock.Lock()
		if entry.removed {
			entry.stateLock.Unlock()
			continue
		}

		if presence, ok := entry.subscribers[sessionId]; ok {
			presence.DisplayName = displayName
			entry.subscribers[sessionId] = presence
			entry.stateLock.Unlock()
			return presence
		}

		inUse := mapset.NewThreadUnsafeSet[string]()
		for _, presence := range entry.subscribers {
			inUse.Add(presence.Color)
		}
		presence := protocol.PresenceInfo{
			Color:       chooseColor(self.palette, inUse),
			DisplayName: displayName,
			ShowMouse:   true,
		}
		entry.subscribers[sessionId] = presence
		entry.stateLock.Unlock()
		return presence
	}
}

// hands out the next identifier stripe for the document.
// offsets can repeat once the width wraps, which mirrors the allocator's
// documented same-offset limitation.
func (self *SubscriptionRegistry) AssignStripe(documentId protocol.DocumentId) protocol.Stripe {
	for {
		entry := self.getOrCreateEntry(documentId)

		entry.stateLock.Lock()
		if entry.removed {
			entry.stateLock.Unlock()
			continue
		}
		offset := entry.nextStripeOffset
		next := offset + 1
		if next == DefaultStripeWidth {
			next = 1
		}
		entry.nextStripeOffset = next
		entry.stateLock.Unlock()

		return protocol.Stripe{
			Width:  DefaultStripeWidth,
			Offset: offset,
		}
	}
}

// removing an absent document or session is a no-op. disconnect races
// are expected here.
// when the last subscriber leaves, the document entry itself is dropped
// so memory stays bounded to active documents.
func (self *SubscriptionRegistry) Unsubscribe(documentId protocol.DocumentId, sessionId protocol.SessionId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.documents[documentId]
	if !ok {
		return
	}

	entry.stateLock.Lock()
	delete(entry.subscribers, sessionId)
	if len(entry.subscribers) == 0 {
		entry.removed = true
		delete(self.documents, documentId)
	}
	entry.stateLock.Unlock()
}

// a point-in-time snapshot. nil when the document has no subscribers.
func (self *SubscriptionRegistry) ListSubscribers(documentId protocol.DocumentId) map[protocol.SessionId]protocol.PresenceInfo {
	entry := self.getEntry(documentId)
	if entry == nil {
		return nil
	}

	entry.stateLock.Lock()
	defer entry.stateLock.Unlock()

	if entry.removed {
		return nil
	}
	return maps.Clone(entry.subscribers)
}

func (self *SubscriptionRegistry) IsSubscribed(documentId protocol.DocumentId, sessionId protocol.SessionId) bool {
	entry := self.getEntry(documentId)
	if entry == nil {
		return false
	}

	entry.stateLock.Lock()
	defer entry.stateLock.Unlock()

	_, ok := entry.subscribers[sessionId]
	return ok
}

// merges a partial update into the session's presence.
// a no-op if the session is not subscribed, which guards against races
// with a just-completed unsubscribe.
func (self *SubscriptionRegistry) UpdatePresence(documentId protocol.DocumentId, sessionId protocol.SessionId, patch PresencePatch) (protocol.PresenceInfo, bool) {
	entry := self.getEntry(documentId)
	if entry == nil {
		return protocol.PresenceInfo{}, false
	}

	entry.stateLock.Lock()
	defer entry.stateLock.Unlock()

	presence, ok := entry.subscribers[sessionId]
	if !ok {
		return protocol.PresenceInfo{}, false
	}
	if patch.Color != nil {
		presence.Color = *patch.Color
	}
	if patch.DisplayName != nil {
		presence.DisplayName = *patch.DisplayName
	}
	if patch.ShowMouse != nil {
		presence.ShowMouse = *patch.ShowMouse
	}
	entry.subscribers[sessionId] = presence
	return presence, true
}

// removes the session from every document in one sweep.
// returns each affected document with the co-subscribers that should be
// told the session left. idempotent: purging a session with no
// subscriptions returns an empty map.
func (self *SubscriptionRegistry) PurgeSession(sessionId protocol.SessionId) map[protocol.DocumentId][]protocol.SessionId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	affected := map[protocol.DocumentId][]protocol.SessionId{}
	for documentId, entry := range self.documents {
		entry.stateLock.Lock()
		if _, ok := entry.subscribers[sessionId]; ok {
			delete(entry.subscribers, sessionId)
			affected[documentId] = maps.Keys(entry.subscribers)
			if len(entry.subscribers) == 0 {
				entry.removed = true
				delete(self.documents, documentId)
			}
		}
		entry.stateLock.Unlock()
	}
	return affected
}

// the number of documents with at least one subscriber
func (self *SubscriptionRegistry) DocumentCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.documents)
}
