package client

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sergium/precursor/protocol"
)

// mints entity identifiers locally, without a server round trip, so
// editing keeps working offline.
//
// the allocator walks its stripe: starting from a seed candidate it
// advances by the stripe width past any identifier already present in
// the local replica, then reserves the free value. two allocators with
// different offsets modulo the width can never collide. two clients
// handed the same offset can; there is no detection or repair for that
// case.
type IdAllocator struct {
	stateLock     sync.Mutex
	width         int64
	offset        int64
	nextCandidate int64
	known         mapset.Set[int64]
}

func NewIdAllocator(stripe protocol.Stripe) *IdAllocator {
	width := stripe.Width
	if width < 1 {
		width = 1
	}
	offset := stripe.Offset % width
	if offset < 0 {
		offset += width
	}
	return &IdAllocator{
		width:         width,
		offset:        offset,
		nextCandidate: offset,
		known:         mapset.NewThreadUnsafeSet[int64](),
	}
}

func (self *IdAllocator) Stripe() protocol.Stripe {
	return protocol.Stripe{
		Width:  self.width,
		Offset: self.offset,
	}
}

// records an identifier seen in the local replica, local or remote
func (self *IdAllocator) Observe(entityId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.known.Add(entityId)
}

// feeds a whole change-set into the replica view
func (self *IdAllocator) ObserveChangeSet(changeSet *protocol.ChangeSet) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, record := range changeSet.Records {
		self.known.Add(record.EntityId)
	}
}

// reserves and returns the next free identifier on the stripe
func (self *IdAllocator) Next() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.next()
}

// reserves n consecutive stripe identifiers in one pass
func (self *IdAllocator) NextBatch(n int) []int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entityIds := make([]int64, n)
	for i := 0; i < n; i += 1 {
		entityIds[i] = self.next()
	}
	return entityIds
}

// caller holds stateLock.
// zero is reserved for the transaction entity itself and the server
// refuses non-positive ids, so those are stepped over too.
func (self *IdAllocator) next() int64 {
	candidate := self.nextCandidate
	for candidate <= 0 || self.known.Contains(candidate) {
		candidate += self.width
	}
	self.nextCandidate = candidate + self.width
	self.known.Add(candidate)
	return candidate
}
