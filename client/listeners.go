package client

import (
	"sync"

	"github.com/sergium/precursor/protocol"
)

type ChangeListenerFunc func(record protocol.ChangeRecord)

// change listeners keyed by entity id and by attribute. invoked for
// every commit that lands, local or remote, so ui state can react
// without re-deriving from the whole document.
//
// Notify is called from the single event loop goroutine, so listeners
// never race each other.
type ListenerRegistry struct {
	stateLock       sync.Mutex
	entityListeners map[int64]*CallbackList[ChangeListenerFunc]
	attrListeners   map[string]*CallbackList[ChangeListenerFunc]
}

func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{
		entityListeners: map[int64]*CallbackList[ChangeListenerFunc]{},
		attrListeners:   map[string]*CallbackList[ChangeListenerFunc]{},
	}
}

func (self *ListenerRegistry) ListenEntity(entityId int64, callback ChangeListenerFunc) func() {
	self.stateLock.Lock()
	callbacks, ok := self.entityListeners[entityId]
	if !ok {
		callbacks = &CallbackList[ChangeListenerFunc]{}
		self.entityListeners[entityId] = callbacks
	}
	self.stateLock.Unlock()

	remove := callbacks.Add(callback)
	return func() {
		remove()

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if callbacks.Len() == 0 {
			delete(self.entityListeners, entityId)
		}
	}
}

func (self *ListenerRegistry) ListenAttr(attr string, callback ChangeListenerFunc) func() {
	self.stateLock.Lock()
	callbacks, ok := self.attrListeners[attr]
	if !ok {
		callbacks = &CallbackList[ChangeListenerFunc]{}
		self.attrListeners[attr] = callbacks
	}
	self.stateLock.Unlock()

	remove := callbacks.Add(callback)
	return func() {
		remove()

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if callbacks.Len() == 0 {
			delete(self.attrListeners, attr)
		}
	}
}

func (self *ListenerRegistry) Notify(changeSet *protocol.ChangeSet) {
	for _, record := range changeSet.Records {
		self.stateLock.Lock()
		entityCallbacks := self.entityListeners[record.EntityId]
		attrCallbacks := self.attrListeners[record.Attr]
		self.stateLock.Unlock()

		if entityCallbacks != nil {
			for _, callback := range entityCallbacks.Get() {
				callback := callback
				record := record
				safeInvoke(func() {
					callback(record)
				})
			}
		}
		if attrCallbacks != nil {
			for _, callback := range attrCallbacks.Get() {
				callback := callback
				record := record
				safeInvoke(func() {
					callback(record)
				})
			}
		}
	}
}
