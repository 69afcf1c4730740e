package client

import (
	"sync"

	"github.com/golang/glog"
)

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

// makes a copy of the list on update, so callers iterate a stable
// snapshot without holding the lock
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId int
	entries        []callbackEntry[T]
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.entries = append(self.entries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for i, entry := range self.entries {
			if entry.callbackId == callbackId {
				self.entries = append(self.entries[:i:i], self.entries[i+1:]...)
				return
			}
		}
	}
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

// runs one callback, suppressing a panic so one bad listener cannot
// break the event loop
func safeInvoke(run func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[cb]listener panic = %v\n", r)
		}
	}()
	run()
}
