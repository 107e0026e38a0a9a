package sensors

import (
	"context"
	"sync"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/portal"
	"github.com/openziti/foundation/v2/concurrenz"
)

// State is the lifecycle of one product's sensor subscription.
type State string

const (
	StateNone        State = "none"
	StateSubscribing State = "subscribing"
	StateActive      State = "active"
	StateClosed      State = "closed"
)

// Subscription is the handle the coordinator keeps for a product's portal
// session. It owns the session; only End closes it.
type Subscription struct {
	product model.ProductID

	// setupMu serializes begin sequences for this product
	setupMu sync.Mutex

	mu         sync.RWMutex
	state      State
	sensors    []string
	sensorSet  map[string]struct{}
	namespaces []string
	session    portal.Session
	lastErr    error

	// suspended is set by capture-done and cleared by the next begin
	suspended bool

	serviced concurrenz.AtomicValue[bool]

	ctx    context.Context
	cancel context.CancelFunc
	// pumpDone is closed when the update pump for the session exits
	pumpDone chan struct{}
}

func newSubscription(parent context.Context, id model.ProductID) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		product:   id,
		state:     StateNone,
		sensorSet: make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Subscription) Product() model.ProductID {
	return s.product
}

func (s *Subscription) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Sensors returns the accumulated sensor list in subscription order.
func (s *Subscription) Sensors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sensors...)
}

func (s *Subscription) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.namespaces...)
}

// LastError is the most recent setup failure, if any.
func (s *Subscription) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Serviced reports whether delivered updates are currently being persisted.
func (s *Subscription) Serviced() bool {
	return s.serviced.Load()
}

func (s *Subscription) hasSensor(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sensorSet[name]
	return ok
}

// addSensors appends names not yet subscribed. The list never shrinks.
func (s *Subscription) addSensors(names []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, n := range names {
		if _, ok := s.sensorSet[n]; ok {
			continue
		}
		s.sensorSet[n] = struct{}{}
		s.sensors = append(s.sensors, n)
		added++
	}
	return added
}

// begin moves to SUBSCRIBING and lifts any earlier suspension.
func (s *Subscription) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateSubscribing
	s.suspended = false
}

// activate moves to ACTIVE and starts servicing updates unless the
// subscription was suspended while setup was in flight.
func (s *Subscription) activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateActive
	s.serviced.Store(!s.suspended)
	return true
}

func (s *Subscription) suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
	s.serviced.Store(false)
}

func (s *Subscription) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// attach stores a freshly connected session. It reports false when the
// subscription was closed meanwhile; the caller then owns and closes session.
func (s *Subscription) attach(session portal.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.session = session
	s.pumpDone = make(chan struct{})
	return true
}

func (s *Subscription) currentSession() portal.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *Subscription) addNamespace(ns string) {
	s.mu.Lock()
	s.namespaces = append(s.namespaces, ns)
	s.mu.Unlock()
}

// close marks the subscription closed and hands back the session to release.
// Only the first call returns a session.
func (s *Subscription) close() (portal.Session, chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, nil, false
	}
	s.state = StateClosed
	session := s.session
	s.session = nil
	s.serviced.Store(false)
	s.cancel()
	return session, s.pumpDone, true
}
