package collab

import (
	"sync"

	"github.com/golang/glog"
)

// CallbackList is a registry of callbacks that preserves registration
// order. Get returns the list that was current when called, so a
// dispatch pass iterates a snapshot and tolerates add/remove while the
// pass is in progress. The remove function returned by Add is idempotent.
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callback T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) func() {
	entry := &callbackEntry[T]{
		callback: callback,
	}
	self.mutex.Lock()
	nextCallbacks := make([]*callbackEntry[T], len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	self.callbacks = append(nextCallbacks, entry)
	self.mutex.Unlock()

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		for i, existing := range self.callbacks {
			if existing == entry {
				nextCallbacks := make([]*callbackEntry[T], 0, len(self.callbacks)-1)
				nextCallbacks = append(nextCallbacks, self.callbacks[0:i]...)
				nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)
				self.callbacks = nextCallbacks
				return
			}
		}
		// already removed
	}
}

// HandleCallback invokes a callback and absorbs a panic from it.
// A misbehaving handler must not take down the dispatch loop.
func HandleCallback(do func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[cb]unexpected callback error = %s\n", r)
		}
	}()
	do()
}
