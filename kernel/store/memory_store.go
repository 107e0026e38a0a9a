package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used for testing and single-process runs.
type MemoryStore struct {
	mu        sync.RWMutex
	values    map[string]string
	lists     map[string][]string
	subs      map[string][]*memorySubscription
	published map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:    make(map[string]string),
		lists:     make(map[string][]string),
		subs:      make(map[string][]*memorySubscription),
		published: make(map[string][]string),
	}
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.lists, key)
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) ReplaceList(_ context.Context, key string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	if len(values) == 0 {
		delete(s.lists, key)
		return nil
	}
	s.lists[key] = append([]string(nil), values...)
	return nil
}

func (s *MemoryStore) GetList(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to prevent concurrent modification
	return append([]string{}, s.lists[key]...), nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, isValue := s.values[key]
	_, isList := s.lists[key]
	return isValue || isList, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.values, k)
		delete(s.lists, k)
	}
	return nil
}

// Keys returns every key currently held, values and lists alike.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values)+len(s.lists))
	for k := range s.values {
		keys = append(keys, k)
	}
	for k := range s.lists {
		keys = append(keys, k)
	}
	return keys
}

// Publish delivers message to every current subscriber of channel. A
// subscriber whose buffer is full misses the message, as with redis pub/sub
// and a slow client.
func (s *MemoryStore) Publish(_ context.Context, channel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published[channel] = append(s.published[channel], message)
	for _, sub := range s.subs[channel] {
		select {
		case sub.ch <- message:
		default:
		}
	}
	return nil
}

// Published returns the messages published on channel so far.
func (s *MemoryStore) Published(channel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string{}, s.published[channel]...)
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &memorySubscription{owner: s, channel: channel, ch: make(chan string, 256)}
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string][]*memorySubscription)
	s.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.closeChannel()
		}
	}
	return nil
}

type memorySubscription struct {
	owner   *MemoryStore
	channel string
	ch      chan string
	once    sync.Once
}

func (m *memorySubscription) Messages() <-chan string {
	return m.ch
}

func (m *memorySubscription) Close() error {
	m.owner.mu.Lock()
	list := m.owner.subs[m.channel]
	for i, sub := range list {
		if sub == m {
			m.owner.subs[m.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	m.owner.mu.Unlock()

	m.closeChannel()
	return nil
}

func (m *memorySubscription) closeChannel() {
	m.once.Do(func() { close(m.ch) })
}
