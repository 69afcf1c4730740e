package client

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/sergium/precursor/protocol"
)

// an ordered group of change records in flight to the server, keyed by
// its correlation token
type Batch struct {
	Token      protocol.Id
	DocumentId protocol.DocumentId
	Records    []protocol.ChangeRecord
}

type BatchReply struct {
	Rejected []protocol.ChangeRecord
}

// transmits one batch and calls reply exactly once, with the server's
// reply or with the transport error (including timeout)
type SendBatchFunction func(batch *Batch, timeout time.Duration, reply func(*BatchReply, error))

// the server accepted the batch but refused these records
type RejectionFunction func(batch *Batch, rejected []protocol.ChangeRecord)

// the batch got no usable reply. the caller decides retry vs discard
// vs full resync; blind retransmission of a possibly partially-applied
// batch could duplicate effects, so none happens here.
type SyncErrorFunction func(batch *Batch, err error)

type SyncQueueSettings struct {
	// bounds message size
	BatchRecordLimit int
	SendTimeout      time.Duration
}

func DefaultSyncQueueSettings() *SyncQueueSettings {
	return &SyncQueueSettings{
		BatchRecordLimit: 1000,
		SendTimeout:      10 * time.Second,
	}
}

// turns local committed edits into remote transactions.
// commits that arrived from the network or from the bot layer are not
// sent back out.
type SyncQueue struct {
	sendBatch SendBatchFunction
	settings  *SyncQueueSettings

	stateLock sync.Mutex
	pending   map[protocol.Id]*Batch

	rejectionCallbacks CallbackList[RejectionFunction]
	errorCallbacks     CallbackList[SyncErrorFunction]
}

func NewSyncQueueWithDefaults(sendBatch SendBatchFunction) *SyncQueue {
	return NewSyncQueue(sendBatch, DefaultSyncQueueSettings())
}

func NewSyncQueue(sendBatch SendBatchFunction, settings *SyncQueueSettings) *SyncQueue {
	return &SyncQueue{
		sendBatch: sendBatch,
		settings:  settings,
		pending:   map[protocol.Id]*Batch{},
	}
}

func (self *SyncQueue) AddRejectionCallback(callback RejectionFunction) func() {
	return self.rejectionCallbacks.Add(callback)
}

func (self *SyncQueue) AddErrorCallback(callback SyncErrorFunction) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *SyncQueue) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pending)
}

// splits the commit into batches and transmits each with its own
// correlation token and timeout
func (self *SyncQueue) EnqueueCommit(changeSet *protocol.ChangeSet) {
	if changeSet.ServerUpdate || changeSet.BotUpdate {
		return
	}
	records := changeSet.Records
	if len(records) == 0 {
		return
	}

	limit := self.settings.BatchRecordLimit
	for start := 0; start < len(records); start += limit {
		end := start + limit
		if len(records) < end {
			end = len(records)
		}
		batch := &Batch{
			Token:      protocol.NewId(),
			DocumentId: changeSet.DocumentId,
			Records:    records[start:end],
		}

		self.stateLock.Lock()
		self.pending[batch.Token] = batch
		self.stateLock.Unlock()

		glog.V(2).Infof("[sq]send %s n=%d\n", batch.Token, len(batch.Records))
		self.sendBatch(batch, self.settings.SendTimeout, func(reply *BatchReply, err error) {
			self.handleReply(batch, reply, err)
		})
	}
}

func (self *SyncQueue) handleReply(batch *Batch, reply *BatchReply, err error) {
	self.stateLock.Lock()
	_, ok := self.pending[batch.Token]
	delete(self.pending, batch.Token)
	self.stateLock.Unlock()
	if !ok {
		// already resolved
		return
	}

	if err != nil {
		glog.Infof("[sq]error %s = %s\n", batch.Token, err)
		for _, callback := range self.errorCallbacks.Get() {
			callback := callback
			safeInvoke(func() {
				callback(batch, err)
			})
		}
		return
	}

	if reply != nil && 0 < len(reply.Rejected) {
		glog.Infof("[sq]rejected %s n=%d\n", batch.Token, len(reply.Rejected))
		for _, callback := range self.rejectionCallbacks.Get() {
			callback := callback
			safeInvoke(func() {
				callback(batch, reply.Rejected)
			})
		}
	}
}
