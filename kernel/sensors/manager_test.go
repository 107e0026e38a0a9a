package sensors

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/portal"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu         sync.Mutex
	namespaces []string
	strategies map[string]string
	rejected   map[string]bool
	values     map[string]model.SensorSample
	blocks     []string
	updates    chan portal.Update
	closes     int32
	closeOnce  sync.Once
	// subscribeGate, when set, blocks Subscribe until closed or ctx ends
	subscribeGate chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		strategies: make(map[string]string),
		rejected:   make(map[string]bool),
		values:     make(map[string]model.SensorSample),
		updates:    make(chan portal.Update, 16),
	}
}

func (s *fakeSession) Connect(context.Context) error { return nil }

func (s *fakeSession) Subscribe(ctx context.Context, ns string) (int, error) {
	if s.subscribeGate != nil {
		select {
		case <-s.subscribeGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces = append(s.namespaces, ns)
	return 1, nil
}

func (s *fakeSession) SetSamplingStrategy(_ context.Context, _, sensor, strategy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected[sensor] {
		return model.NewCommandError(model.SensorNotFound, "", errors.Errorf("unknown sensor [%s]", sensor))
	}
	s.strategies[sensor] = strategy
	return nil
}

func (s *fakeSession) SensorNames(_ context.Context, patterns []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range patterns {
		if _, found := s.values[p]; found {
			out = append(out, p)
		}
		if p == "missing" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeSession) SensorValue(_ context.Context, name string) (model.SensorSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.values[name]
	if !found {
		return model.SensorSample{}, model.NewCommandError(model.SensorNotFound, "", errors.Errorf("no sensor [%s]", name))
	}
	return v, nil
}

func (s *fakeSession) ScheduleBlocks(context.Context) ([]string, error) {
	return s.blocks, nil
}

func (s *fakeSession) Updates() <-chan portal.Update { return s.updates }

func (s *fakeSession) Close() error {
	atomic.AddInt32(&s.closes, 1)
	s.closeOnce.Do(func() { close(s.updates) })
	return nil
}

func (s *fakeSession) strategy(sensor string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strategies[sensor]
	return v, ok
}

type fakeDialer struct {
	session *fakeSession
	dials   int32
	fail    bool
}

func (d *fakeDialer) Dial(context.Context, string) (portal.Session, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	return d.session, nil
}

func configured(t *testing.T, kv *store.MemoryStore, id model.ProductID, antennas ...string) {
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, model.ProductKey(id, model.KeyCamURL), "http://portal/api/client/1"))
	require.NoError(t, kv.ReplaceList(ctx, model.ProductKey(id, model.KeyAntennas), antennas))
}

func newTestManager(session *fakeSession) (*Manager, *store.MemoryStore, *fakeDialer) {
	kv := store.NewMemoryStore()
	d := &fakeDialer{session: session}
	return NewManager(d, kv, Config{RPCTimeout: time.Second}, nil), kv, d
}

func TestAntennaSensors(t *testing.T) {
	names := AntennaSensors([]string{"m000", "m001"}, []string{"marked_faulty", "data_suspect"})
	assert.Equal(t, []string{"m000_marked_faulty", "m000_data_suspect", "m001_marked_faulty", "m001_data_suspect"}, names)
}

func TestManager_SetupSubscribesCrossProduct(t *testing.T) {
	session := newFakeSession()
	session.rejected["a2_data_suspect"] = true
	m, kv, _ := newTestManager(session)
	configured(t, kv, "p1", "a1", "a2")

	sub, err := m.Setup("p1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, sub.State())
	assert.True(t, sub.Serviced())
	assert.Equal(t, []string{"a1_marked_faulty", "a1_data_suspect", "a2_marked_faulty", "a2_data_suspect"}, sub.Sensors())

	ns := sub.Namespaces()
	require.Len(t, ns, 1)
	assert.True(t, strings.HasPrefix(ns[0], "namespace_"))

	v, ok := session.strategy("a1_marked_faulty")
	assert.True(t, ok)
	assert.Equal(t, "event", v)
	_, ok = session.strategy("a2_data_suspect")
	assert.False(t, ok)
}

func TestManager_SubscriptionListOnlyGrows(t *testing.T) {
	session := newFakeSession()
	m, kv, d := newTestManager(session)
	configured(t, kv, "p1", "a1")

	_, err := m.Setup("p1")
	require.NoError(t, err)

	configured(t, kv, "p1", "a2")
	sub, err := m.Setup("p1")
	require.NoError(t, err)

	assert.Equal(t, []string{"a1_marked_faulty", "a1_data_suspect", "a2_marked_faulty", "a2_data_suspect"}, sub.Sensors())
	assert.Len(t, sub.Namespaces(), 2)
	assert.NotEqual(t, sub.Namespaces()[0], sub.Namespaces()[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.dials))
}

func TestManager_SetupUnknownProduct(t *testing.T) {
	m, _, _ := newTestManager(newFakeSession())
	sub, err := m.Setup("nope")
	assert.True(t, model.IsKind(err, model.UnknownProduct))
	assert.Equal(t, err, sub.LastError())
}

func TestManager_SetupPortalUnreachable(t *testing.T) {
	m, kv, d := newTestManager(newFakeSession())
	d.fail = true
	configured(t, kv, "p1", "a1")

	sub, err := m.Setup("p1")
	assert.True(t, model.IsKind(err, model.PortalUnreachable))
	assert.Equal(t, StateSubscribing, sub.State())
}

func TestManager_OnUpdateRoundTrip(t *testing.T) {
	m, kv, _ := newTestManager(newFakeSession())
	configured(t, kv, "p1", "a1")
	_, err := m.Setup("p1")
	require.NoError(t, err)

	sample := model.SensorSample{Timestamp: 1534657577.373, ValueTimestamp: 1534657577.1, Value: "True", Status: model.StatusNominal}
	written, err := m.OnUpdate(context.Background(), "p1", portal.Update{Sensor: "a1_marked_faulty", Sample: sample})
	require.NoError(t, err)
	assert.True(t, written)

	raw, err := kv.Get(context.Background(), "p1:a1_marked_faulty")
	require.NoError(t, err)
	var stored model.SensorSample
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, sample, stored)
	assert.Equal(t, sample, m.Recent("p1")["a1_marked_faulty"])
}

func TestManager_OnUpdateUnlistedSensorDiscarded(t *testing.T) {
	m, kv, _ := newTestManager(newFakeSession())
	configured(t, kv, "p1", "a1")
	_, err := m.Setup("p1")
	require.NoError(t, err)

	before := len(kv.Keys())
	written, err := m.OnUpdate(context.Background(), "p1", portal.Update{Sensor: "anc_wind_speed", Sample: model.SensorSample{Value: "3"}})
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, before, len(kv.Keys()))

	written, err = m.OnUpdate(context.Background(), "other", portal.Update{Sensor: "a1_marked_faulty"})
	require.NoError(t, err)
	assert.False(t, written)
}

func TestManager_PumpPersistsDeliveredUpdates(t *testing.T) {
	session := newFakeSession()
	m, kv, _ := newTestManager(session)
	configured(t, kv, "p1", "a1")
	_, err := m.Setup("p1")
	require.NoError(t, err)

	session.updates <- portal.Update{Sensor: "a1_data_suspect", Sample: model.SensorSample{Value: "1"}}
	session.updates <- portal.Update{Sensor: "a1_data_suspect", Sample: model.SensorSample{Value: "2"}}

	assert.Eventually(t, func() bool {
		raw, err := kv.Get(context.Background(), "p1:a1_data_suspect")
		return err == nil && strings.Contains(raw, `"value":"2"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_SuspendStopsServicing(t *testing.T) {
	session := newFakeSession()
	m, kv, _ := newTestManager(session)
	configured(t, kv, "p1", "a1")
	sub, err := m.Setup("p1")
	require.NoError(t, err)

	m.Suspend("p1")
	assert.False(t, sub.Serviced())
	assert.Equal(t, StateActive, sub.State())
	assert.Equal(t, int32(0), atomic.LoadInt32(&session.closes))

	session.updates <- portal.Update{Sensor: "a1_data_suspect", Sample: model.SensorSample{Value: "1"}}
	m.End("p1")
	_, err = kv.Get(context.Background(), "p1:a1_data_suspect")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_SuspendDuringSetupStaysSuspended(t *testing.T) {
	session := newFakeSession()
	session.subscribeGate = make(chan struct{})
	m, kv, _ := newTestManager(session)
	m.cfg.RPCTimeout = 10 * time.Second
	configured(t, kv, "p1", "a1")

	sub := m.Begin("p1")
	assert.Eventually(t, func() bool { return sub.currentSession() != nil }, 2*time.Second, 5*time.Millisecond)
	m.Suspend("p1")
	close(session.subscribeGate)

	assert.Eventually(t, func() bool { return sub.State() == StateActive }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, sub.Serviced())

	session.updates <- portal.Update{Sensor: "a1_data_suspect", Sample: model.SensorSample{Value: "1"}}
	m.End("p1")
	_, err := kv.Get(context.Background(), "p1:a1_data_suspect")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_BeginAfterSuspendResumesServicing(t *testing.T) {
	session := newFakeSession()
	m, kv, d := newTestManager(session)
	configured(t, kv, "p1", "a1")
	_, err := m.Setup("p1")
	require.NoError(t, err)
	m.Suspend("p1")

	sub, err := m.Setup("p1")
	require.NoError(t, err)
	assert.True(t, sub.Serviced())
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.dials))
}

type failingWrites struct {
	*store.MemoryStore
	fail map[string]bool
}

func (s *failingWrites) Set(ctx context.Context, key, value string) error {
	if s.fail[key] {
		return errors.Errorf("write refused for %s", key)
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestManager_QueryAndStoreAggregatesWriteFailures(t *testing.T) {
	session := newFakeSession()
	session.values["target"] = model.SensorSample{Value: "Moon, radec"}
	session.values["weight"] = model.SensorSample{Value: "3.5"}
	session.values["band"] = model.SensorSample{Value: "l"}
	kv := &failingWrites{MemoryStore: store.NewMemoryStore(), fail: map[string]bool{"p1:target": true, "p1:weight": true}}
	m := NewManager(&fakeDialer{session: session}, kv, Config{RPCTimeout: time.Second}, nil)
	configured(t, kv.MemoryStore, "p1", "a1")

	err := m.QueryAndStore(context.Background(), "p1", []string{"target", "weight", "band"})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.StoreWriteFailed))
	assert.Contains(t, err.Error(), "p1:target")
	assert.Contains(t, err.Error(), "p1:weight")

	raw, err := kv.Get(context.Background(), "p1:band")
	require.NoError(t, err)
	assert.Contains(t, raw, `"value":"l"`)
}

func TestManager_EndIdempotent(t *testing.T) {
	session := newFakeSession()
	m, kv, _ := newTestManager(session)
	configured(t, kv, "p1", "a1")
	sub, err := m.Setup("p1")
	require.NoError(t, err)

	m.End("p1")
	m.End("p1")
	m.End("never")

	assert.Equal(t, StateClosed, sub.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&session.closes))
	_, found := m.Subscription("p1")
	assert.False(t, found)
}

func TestManager_EndCancelsInFlightBegin(t *testing.T) {
	session := newFakeSession()
	session.subscribeGate = make(chan struct{})
	m, kv, _ := newTestManager(session)
	m.cfg.RPCTimeout = 10 * time.Second
	configured(t, kv, "p1", "a1")

	sub := m.Begin("p1")
	assert.Equal(t, StateSubscribing, sub.State())

	assert.Eventually(t, func() bool { return sub.currentSession() != nil }, 2*time.Second, 5*time.Millisecond)
	m.End("p1")

	assert.Eventually(t, func() bool { return sub.LastError() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateClosed, sub.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&session.closes))
	assert.Empty(t, sub.Namespaces())
}

func TestManager_QueryOnce(t *testing.T) {
	session := newFakeSession()
	session.values["target"] = model.SensorSample{Value: "Moon, radec", Timestamp: 2, ValueTimestamp: 1, Status: model.StatusNominal}
	session.values["weight"] = model.SensorSample{Value: "3.5", Status: model.StatusWarn}
	m, kv, d := newTestManager(session)
	configured(t, kv, "p1", "a1")
	ctx := context.Background()

	out, err := m.QueryOnce(ctx, "p1", []string{"target", "weight", "missing"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "Moon, radec", out["target"].Value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&session.closes))

	out, err = m.QueryOnce(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = m.QueryOnce(ctx, "p1", []string{"pos_request_base_ra"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&d.dials))
}

func TestManager_QueryAndStoreUsesLiveSession(t *testing.T) {
	session := newFakeSession()
	session.values["target"] = model.SensorSample{Value: "Moon, radec"}
	m, kv, d := newTestManager(session)
	configured(t, kv, "p1", "a1")
	_, err := m.Setup("p1")
	require.NoError(t, err)

	require.NoError(t, m.QueryAndStore(context.Background(), "p1", []string{"target", "weight"}))
	raw, err := kv.Get(context.Background(), "p1:target")
	require.NoError(t, err)
	assert.Contains(t, raw, "Moon, radec")
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.dials))
	assert.Equal(t, int32(0), atomic.LoadInt32(&session.closes))
}

func TestManager_FetchScheduleBlocks(t *testing.T) {
	session := newFakeSession()
	session.blocks = []string{"20161010-0001", "20161010-0002"}
	m, kv, _ := newTestManager(session)
	configured(t, kv, "p1", "a1")

	require.NoError(t, m.FetchScheduleBlocks(context.Background(), "p1"))
	blocks, err := kv.GetList(context.Background(), "p1:schedule_blocks")
	require.NoError(t, err)
	assert.Equal(t, session.blocks, blocks)
}

func TestAlertHandler_DrivesManager(t *testing.T) {
	session := newFakeSession()
	session.blocks = []string{"sb1"}
	m, kv, _ := newTestManager(session)
	configured(t, kv, "p1", "a1")
	h := NewAlertHandler(m, []string{"target"})
	ctx := context.Background()

	require.NoError(t, h.HandleAlert(ctx, model.Alert{Event: model.EventConfigure, Product: "p1"}))
	require.NoError(t, h.HandleAlert(ctx, model.Alert{Event: model.EventCaptureInit, Product: "p1"}))
	sub, found := m.Subscription("p1")
	require.True(t, found)
	assert.Eventually(t, func() bool { return sub.State() == StateActive }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.HandleAlert(ctx, model.Alert{Event: model.EventCaptureDone, Product: "p1"}))
	assert.False(t, sub.Serviced())
	require.NoError(t, h.HandleAlert(ctx, model.Alert{Event: model.EventDeconfigure, Product: "p1"}))
	assert.Equal(t, StateClosed, sub.State())
}

func TestAlertHandler_IgnoresProductsConfiguredElsewhere(t *testing.T) {
	session := newFakeSession()
	m, _, d := newTestManager(session)
	h := NewAlertHandler(m, []string{"target"})
	ctx := context.Background()

	err := h.HandleAlert(ctx, model.Alert{Event: model.EventCaptureInit, Product: "ghost"})
	assert.True(t, model.IsKind(err, model.UnknownProduct))
	err = h.HandleAlert(ctx, model.Alert{Event: model.EventCaptureStart, Product: "ghost"})
	assert.True(t, model.IsKind(err, model.UnknownProduct))

	_, found := m.Subscription("ghost")
	assert.False(t, found)
	assert.Equal(t, int32(0), atomic.LoadInt32(&d.dials))
}
