package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/sergium/precursor/protocol"
)

var ErrDocumentNotFound = errors.New("document not found")

// the persistence collaborator. the hub never reaches past this
// boundary; commits must be durable before they return.
type DocumentStore interface {
	// all current facts of the document
	Snapshot(ctx context.Context, documentId protocol.DocumentId) ([]protocol.ChangeRecord, error)

	// validates and commits the change-set, returning the committed set
	// including any server-assigned records
	Commit(ctx context.Context, changeSet *protocol.ChangeSet, principal *Principal) (*protocol.ChangeSet, error)

	CreatedDocuments(ctx context.Context, principal *Principal) ([]protocol.DocumentInfo, error)
	TouchedDocuments(ctx context.Context, principal *Principal) ([]protocol.DocumentInfo, error)

	SetDisplayName(ctx context.Context, principal *Principal, displayName string) error
}

// an in-memory document store. backs precursord when no external
// datastore is configured, and the tests.
type MemoryStore struct {
	// create documents on first subscribe instead of returning
	// ErrDocumentNotFound
	AutoCreate bool

	// test hook
	Now func() time.Time

	stateLock sync.Mutex
	facts     map[protocol.DocumentId][]protocol.ChangeRecord
	creators  map[protocol.DocumentId]protocol.Id
	created   map[protocol.DocumentId]time.Time
	touched   map[protocol.DocumentId]time.Time
	touchedBy map[protocol.Id]map[protocol.DocumentId]bool
	names     map[protocol.Id]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:       time.Now,
		facts:     map[protocol.DocumentId][]protocol.ChangeRecord{},
		creators:  map[protocol.DocumentId]protocol.Id{},
		created:   map[protocol.DocumentId]time.Time{},
		touched:   map[protocol.DocumentId]time.Time{},
		touchedBy: map[protocol.Id]map[protocol.DocumentId]bool{},
		names:     map[protocol.Id]string{},
	}
}

func (self *MemoryStore) CreateDocument(documentId protocol.DocumentId, principal *Principal) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.facts[documentId]; ok {
		return
	}
	now := self.Now()
	self.facts[documentId] = []protocol.ChangeRecord{}
	self.created[documentId] = now
	self.touched[documentId] = now
	if principal != nil && principal.Authenticated {
		self.creators[documentId] = principal.UserId
		self.touch(documentId, principal)
	}
}

// caller holds stateLock
func (self *MemoryStore) touch(documentId protocol.DocumentId, principal *Principal) {
	self.touched[documentId] = self.Now()
	if principal == nil || !principal.Authenticated {
		return
	}
	byPrincipal, ok := self.touchedBy[principal.UserId]
	if !ok {
		byPrincipal = map[protocol.DocumentId]bool{}
		self.touchedBy[principal.UserId] = byPrincipal
	}
	byPrincipal[documentId] = true
}

func (self *MemoryStore) Snapshot(ctx context.Context, documentId protocol.DocumentId) ([]protocol.ChangeRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	facts, ok := self.facts[documentId]
	if !ok {
		if !self.AutoCreate {
			return nil, ErrDocumentNotFound
		}
		now := self.Now()
		facts = []protocol.ChangeRecord{}
		self.facts[documentId] = facts
		self.created[documentId] = now
		self.touched[documentId] = now
	}
	return slices.Clone(facts), nil
}

// applies the set and appends one server timestamp record for the
// commit. assertions replace any existing fact with the same entity and
// attribute; retractions remove matching facts.
func (self *MemoryStore) Commit(ctx context.Context, changeSet *protocol.ChangeSet, principal *Principal) (*protocol.ChangeSet, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	facts, ok := self.facts[changeSet.DocumentId]
	if !ok {
		return nil, ErrDocumentNotFound
	}

	for _, record := range changeSet.Records {
		facts = slices.DeleteFunc(facts, func(fact protocol.ChangeRecord) bool {
			return fact.EntityId == record.EntityId && fact.Attr == record.Attr
		})
		if record.Added {
			facts = append(facts, record)
		}
	}
	self.facts[changeSet.DocumentId] = facts
	self.touch(changeSet.DocumentId, principal)

	committed := *changeSet
	committed.Records = append(
		slices.Clone(changeSet.Records),
		protocol.ChangeRecord{
			EntityId: 0,
			Attr:     protocol.AttrServerTimestamp,
			Value:    self.Now().UTC().Format(time.RFC3339Nano),
			Added:    true,
		},
	)
	return &committed, nil
}

func (self *MemoryStore) CreatedDocuments(ctx context.Context, principal *Principal) ([]protocol.DocumentInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var documents []protocol.DocumentInfo
	if principal == nil || !principal.Authenticated {
		return documents, nil
	}
	for documentId, creator := range self.creators {
		if creator == principal.UserId {
			documents = append(documents, protocol.DocumentInfo{
				DocumentId:   documentId,
				LastModified: self.touched[documentId],
			})
		}
	}
	return documents, nil
}

func (self *MemoryStore) TouchedDocuments(ctx context.Context, principal *Principal) ([]protocol.DocumentInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var documents []protocol.DocumentInfo
	if principal == nil || !principal.Authenticated {
		return documents, nil
	}
	for documentId := range self.touchedBy[principal.UserId] {
		documents = append(documents, protocol.DocumentInfo{
			DocumentId:   documentId,
			LastModified: self.touched[documentId],
		})
	}
	return documents, nil
}

func (self *MemoryStore) SetDisplayName(ctx context.Context, principal *Principal, displayName string) error {
	if principal == nil || !principal.Authenticated {
		return nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.names[principal.UserId] = displayName
	return nil
}
