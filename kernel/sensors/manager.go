package sensors

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meerkat-bl/bluse/kernel/metrics"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/portal"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/michaelquigley/pfxlog"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Config tunes the subscription manager.
type Config struct {
	// BaseSensors are combined with each antenna as "<antenna>_<base>".
	BaseSensors []string
	// Strategy is the sampling strategy set on every subscribed sensor.
	Strategy string
	// RPCTimeout bounds every individual portal and store call.
	RPCTimeout time.Duration
	// Parallelism bounds concurrent set-sampling-strategy calls.
	Parallelism int
	// RecentTTL is how long the latest sample per sensor stays in the
	// in-memory view served to the status API.
	RecentTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseSensors: []string{"marked_faulty", "data_suspect"},
		Strategy:    "event",
		RPCTimeout:  30 * time.Second,
		Parallelism: 8,
		RecentTTL:   10 * time.Minute,
	}
}

// SampleSink receives every persisted sample, e.g. for archiving.
type SampleSink interface {
	WriteSample(id model.ProductID, sensor string, sample model.SensorSample)
}

// Manager owns one Subscription per product with sensors of interest.
type Manager struct {
	dialer  portal.Dialer
	kv      store.KeyValueStore
	cfg     Config
	metrics *metrics.Metrics
	sinks   []SampleSink

	subs   cmap.ConcurrentMap[string, *Subscription]
	recent *cache.Cache

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(dialer portal.Dialer, kv store.KeyValueStore, cfg Config, m *metrics.Metrics, sinks ...SampleSink) *Manager {
	def := DefaultConfig()
	if len(cfg.BaseSensors) == 0 {
		cfg.BaseSensors = def.BaseSensors
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = def.RPCTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = def.RecentTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:  dialer,
		kv:      kv,
		cfg:     cfg,
		metrics: m,
		sinks:   sinks,
		subs:    cmap.New[*Subscription](),
		recent:  cache.New(cfg.RecentTTL, 2*cfg.RecentTTL),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (m *Manager) rpcContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, m.cfg.RPCTimeout)
}

// Subscription returns the live subscription for a product.
func (m *Manager) Subscription(id model.ProductID) (*Subscription, bool) {
	return m.subs.Get(string(id))
}

func (m *Manager) ensure(id model.ProductID) *Subscription {
	return m.subs.Upsert(string(id), nil, func(exist bool, inMap *Subscription, _ *Subscription) *Subscription {
		if exist {
			return inMap
		}
		return newSubscription(m.ctx, id)
	})
}

// Known reports whether the product's cam_url has been written by configure.
func (m *Manager) Known(ctx context.Context, id model.ProductID) (bool, error) {
	kvCtx, cancel := m.rpcContext(ctx)
	defer cancel()
	return m.kv.Exists(kvCtx, model.ProductKey(id, model.KeyCamURL))
}

// AntennaSensors forms "<antenna>_<base>" for every antenna and base sensor.
func AntennaSensors(antennas, base []string) []string {
	names := make([]string, 0, len(antennas)*len(base))
	for _, ant := range antennas {
		for _, b := range base {
			names = append(names, ant+"_"+b)
		}
	}
	return names
}

// Begin starts subscribing a product's antenna sensors in the background and
// returns its handle immediately, in SUBSCRIBING state for a new product.
func (m *Manager) Begin(id model.ProductID) *Subscription {
	sub := m.ensure(id)
	sub.begin()
	go func() {
		if err := m.setup(sub); err != nil {
			pfxlog.ContextLogger(string(id)).WithError(err).Error("sensor subscription setup failed")
		}
	}()
	return sub
}

// Setup is Begin run to completion on the caller's goroutine.
func (m *Manager) Setup(id model.ProductID) (*Subscription, error) {
	sub := m.ensure(id)
	sub.begin()
	return sub, m.setup(sub)
}

func (m *Manager) setup(sub *Subscription) error {
	sub.setupMu.Lock()
	defer sub.setupMu.Unlock()

	id := sub.product
	log := pfxlog.ContextLogger(string(id))
	ctx := sub.ctx

	fail := func(err error) error {
		sub.setError(err)
		return err
	}

	kvCtx, cancel := m.rpcContext(ctx)
	camURL, err := m.kv.Get(kvCtx, model.ProductKey(id, model.KeyCamURL))
	if err != nil {
		cancel()
		return fail(model.NewCommandError(model.UnknownProduct, id, errors.Wrap(err, "reading cam_url")))
	}
	antennas, err := m.kv.GetList(kvCtx, model.ProductKey(id, model.KeyAntennas))
	cancel()
	if err != nil {
		return fail(model.NewCommandError(model.UnknownProduct, id, errors.Wrap(err, "reading antennas")))
	}

	added := sub.addSensors(AntennaSensors(antennas, m.cfg.BaseSensors))
	log.Infof("subscription list for [%s] has %d new sensor(s)", id, added)

	session := sub.currentSession()
	if session == nil {
		session, err = m.connect(ctx, id, camURL)
		if err != nil {
			return fail(err)
		}
		if !sub.attach(session) {
			_ = session.Close()
			return fail(model.NewCommandError(model.PortalUnreachable, id, errors.New("subscription ended during connect")))
		}
		go m.pump(sub, session)
	}

	namespace := "namespace_" + uuid.NewString()
	rpcCtx, cancel := m.rpcContext(ctx)
	started := time.Now()
	_, err = session.Subscribe(rpcCtx, namespace)
	m.metrics.ObservePortalCall("subscribe", started)
	cancel()
	if err != nil {
		return fail(model.NewCommandError(model.PortalUnreachable, id, errors.Wrapf(err, "subscribing %s", namespace)))
	}
	sub.addNamespace(namespace)
	if !sub.activate() {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Parallelism)
	for _, sensor := range sub.Sensors() {
		sensor := sensor
		g.Go(func() error {
			rpcCtx, cancel := m.rpcContext(ctx)
			defer cancel()
			started := time.Now()
			err := session.SetSamplingStrategy(rpcCtx, namespace, sensor, m.cfg.Strategy)
			m.metrics.ObservePortalCall("set_sampling_strategies", started)
			if err != nil {
				log.WithField("sensor", sensor).WithError(err).Warn("failed to set sampling strategy, skipping sensor")
				return nil
			}
			log.WithField("sensor", sensor).Debug("subscribed to sensor")
			return nil
		})
	}
	_ = g.Wait()
	log.WithField("namespace", namespace).Infof("sensor subscription active for [%s]", id)
	return nil
}

func (m *Manager) connect(ctx context.Context, id model.ProductID, camURL string) (portal.Session, error) {
	rpcCtx, cancel := m.rpcContext(ctx)
	defer cancel()

	session, err := m.dialer.Dial(rpcCtx, camURL)
	if err != nil {
		return nil, model.NewCommandError(model.PortalUnreachable, id, err)
	}
	started := time.Now()
	err = session.Connect(rpcCtx)
	m.metrics.ObservePortalCall("connect", started)
	if err != nil {
		_ = session.Close()
		return nil, model.NewCommandError(model.PortalUnreachable, id, err)
	}
	return session, nil
}

// pump applies a session's updates in arrival order until the session ends.
func (m *Manager) pump(sub *Subscription, session portal.Session) {
	sub.mu.RLock()
	done := sub.pumpDone
	sub.mu.RUnlock()
	defer close(done)

	for upd := range session.Updates() {
		if !sub.Serviced() {
			m.metrics.SensorUpdate(metrics.UpdateDiscarded)
			continue
		}
		_, _ = m.OnUpdate(sub.ctx, sub.product, upd)
	}
}

// OnUpdate persists one pushed update if the sensor is on the product's
// subscription list. It reports whether a write happened.
func (m *Manager) OnUpdate(ctx context.Context, id model.ProductID, upd portal.Update) (bool, error) {
	sub, ok := m.subs.Get(string(id))
	if !ok || !sub.hasSensor(upd.Sensor) {
		pfxlog.ContextLogger(string(id)).WithField("sensor", upd.Sensor).Debug("unlisted sensor; value discarded")
		m.metrics.SensorUpdate(metrics.UpdateDiscarded)
		return false, nil
	}
	if err := m.storeSample(ctx, id, upd.Sensor, upd.Sample); err != nil {
		pfxlog.ContextLogger(string(id)).WithField("sensor", upd.Sensor).WithError(err).Error("failed to store sensor value")
		m.metrics.SensorUpdate(metrics.UpdateFailed)
		return false, err
	}
	m.metrics.SensorUpdate(metrics.UpdateStored)
	return true, nil
}

// storeSample writes "<product_id>:<sensor>" as the JSON encoded sample.
func (m *Manager) storeSample(ctx context.Context, id model.ProductID, sensor string, sample model.SensorSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	kvCtx, cancel := m.rpcContext(ctx)
	defer cancel()
	if err := m.kv.Set(kvCtx, model.ProductKey(id, sensor), string(data)); err != nil {
		return model.NewCommandError(model.StoreWriteFailed, id, err)
	}
	m.recent.SetDefault(model.ProductKey(id, sensor), sample)
	for _, sink := range m.sinks {
		sink.WriteSample(id, sensor, sample)
	}
	return nil
}

// Recent returns the latest samples seen for a product, keyed by sensor name.
func (m *Manager) Recent(id model.ProductID) map[string]model.SensorSample {
	prefix := string(id) + ":"
	out := make(map[string]model.SensorSample)
	for key, item := range m.recent.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if sample, ok := item.Object.(model.SensorSample); ok {
			out[strings.TrimPrefix(key, prefix)] = sample
		}
	}
	return out
}

// Suspend stops persisting updates for a product; the session stays open.
func (m *Manager) Suspend(id model.ProductID) {
	sub, ok := m.subs.Get(string(id))
	if !ok {
		pfxlog.ContextLogger(string(id)).Warnf("no sensor subscription to suspend for [%s]", id)
		return
	}
	sub.suspend()
	pfxlog.ContextLogger(string(id)).Infof("sensor updates for [%s] no longer serviced", id)
}

// End cancels any in-flight setup, closes the portal session and forgets the
// product. Ending an unknown or already ended product only logs a warning.
func (m *Manager) End(id model.ProductID) {
	log := pfxlog.ContextLogger(string(id))
	sub, ok := m.subs.Pop(string(id))
	if !ok {
		log.Warnf("no sensor subscription to end for [%s]", id)
		return
	}
	session, pumpDone, first := sub.close()
	if !first {
		log.Warnf("sensor subscription for [%s] already closed", id)
		return
	}
	if session != nil {
		if err := session.Close(); err != nil {
			log.WithError(err).Warn("error closing portal session")
		}
		if pumpDone != nil {
			<-pumpDone
		}
	}
	for key := range m.Recent(id) {
		m.recent.Delete(model.ProductKey(id, key))
	}
	log.Infof("closed portal session for [%s]", id)
}

// Close ends every subscription.
func (m *Manager) Close() {
	for _, key := range m.subs.Keys() {
		m.End(model.ProductID(key))
	}
	m.cancel()
}
