package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// listeners is an ordered list of callbacks. Callbacks run synchronously in
// registration order, outside the list's lock; a panicking callback is
// logged and does not stop the others.
type listeners[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.subs = append(l.subs, listener[T]{id, fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, s := range l.subs {
				if s.id == id {
					l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

func (l *listeners[T]) emit(log *zap.Logger, topic string, v T) {
	l.mu.RLock()
	subs := append([]listener[T](nil), l.subs...)
	l.mu.RUnlock()
	for _, s := range subs {
		call(log, topic, s.fn, v)
	}
}

func call[T any](log *zap.Logger, topic string, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber_panic", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	fn(v)
}
