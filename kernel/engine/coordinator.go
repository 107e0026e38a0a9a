package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/meerkat-bl/bluse/kernel/metrics"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/sensors"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// SensorDriver is the sensor side of the lifecycle. *sensors.Manager
// satisfies it; a nil driver leaves sensor handling to an alert subscriber.
type SensorDriver interface {
	Begin(id model.ProductID) *sensors.Subscription
	FetchScheduleBlocks(ctx context.Context, id model.ProductID) error
	QueryAndStore(ctx context.Context, id model.ProductID, patterns []string) error
	Suspend(id model.ProductID)
	End(id model.ProductID)
}

// Coordinator owns the table of active products and applies CAM lifecycle
// commands to it.
type Coordinator struct {
	kv      store.KeyValueStore
	bus     store.AlertBus
	channel string
	sensors SensorDriver
	policy  Policy
	metrics *metrics.Metrics
	table   *productTable
	now     func() time.Time

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bg        sync.WaitGroup
	bgTimeout time.Duration
}

type Option func(*Coordinator)

func WithSensors(driver SensorDriver) Option {
	return func(c *Coordinator) { c.sensors = driver }
}

func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSensorTimeout bounds the background sensor work started by a command.
func WithSensorTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.bgTimeout = d }
}

func NewCoordinator(kv store.KeyValueStore, bus store.AlertBus, channel string, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		kv:        kv,
		bus:       bus,
		channel:   channel,
		policy:    DefaultPolicy(),
		table:     newProductTable(),
		now:       time.Now,
		bgCtx:     ctx,
		bgCancel:  cancel,
		bgTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.Reconfigure == "" {
		c.policy.Reconfigure = ReconfigureOverwrite
	}
	if c.policy.Ordering == "" {
		c.policy.Ordering = OrderingStrict
	}
	return c
}

type commandFunc func(c *Coordinator, ctx context.Context, slot *productSlot, cmd Command) error

var commandTable = map[model.Event]commandFunc{
	model.EventConfigure:    (*Coordinator).configure,
	model.EventCaptureInit:  (*Coordinator).captureInit,
	model.EventCaptureStart: (*Coordinator).captureStart,
	model.EventCaptureStop:  (*Coordinator).captureStop,
	model.EventCaptureDone:  (*Coordinator).captureDone,
	model.EventDeconfigure:  (*Coordinator).deconfigure,
}

func init() {
	for _, ev := range model.Events {
		if _, found := commandTable[ev]; !found {
			panic(fmt.Errorf("no command handler for event [%s]", ev))
		}
	}
}

// Handle applies one command. Commands for the same product run one at a
// time in call order; different products proceed concurrently.
func (c *Coordinator) Handle(ctx context.Context, cmd Command) error {
	handler, found := commandTable[cmd.Event]
	if !found {
		return model.NewCommandError(model.MalformedInput, cmd.Product, errors.Errorf("unknown command [%s]", cmd.Event))
	}
	if cmd.Product == "" {
		return model.NewCommandError(model.MalformedInput, cmd.Product, errors.New("product_id is empty"))
	}

	slot := c.table.acquire(cmd.Product)
	err := handler(c, ctx, slot, cmd)
	c.table.release(cmd.Product, slot)

	c.metrics.CommandHandled(cmd.Event.String(), err)
	c.metrics.SetActiveProducts(len(c.table.snapshot()))

	log := pfxlog.ContextLogger(string(cmd.Product))
	if err != nil {
		log.WithError(err).Errorf("command [%s] failed", cmd)
	} else {
		log.Infof("command [%s] ok", cmd)
	}
	return err
}

func (c *Coordinator) Configure(ctx context.Context, id model.ProductID, args ConfigureArgs) error {
	return c.Handle(ctx, Command{Event: model.EventConfigure, Product: id, Configure: &args})
}

func (c *Coordinator) CaptureInit(ctx context.Context, id model.ProductID) error {
	return c.Handle(ctx, Command{Event: model.EventCaptureInit, Product: id})
}

func (c *Coordinator) CaptureStart(ctx context.Context, id model.ProductID) error {
	return c.Handle(ctx, Command{Event: model.EventCaptureStart, Product: id})
}

func (c *Coordinator) CaptureStop(ctx context.Context, id model.ProductID) error {
	return c.Handle(ctx, Command{Event: model.EventCaptureStop, Product: id})
}

func (c *Coordinator) CaptureDone(ctx context.Context, id model.ProductID) error {
	return c.Handle(ctx, Command{Event: model.EventCaptureDone, Product: id})
}

func (c *Coordinator) Deconfigure(ctx context.Context, id model.ProductID) error {
	return c.Handle(ctx, Command{Event: model.EventDeconfigure, Product: id})
}

// Get returns a copy of an active product's record.
func (c *Coordinator) Get(id model.ProductID) (*model.ProductRecord, bool) {
	return c.table.get(id)
}

// Snapshot returns copies of every active product's record, ordered by id.
func (c *Coordinator) Snapshot() []*model.ProductRecord {
	return c.table.snapshot()
}

// Close waits for background sensor work started by commands.
func (c *Coordinator) Close() {
	c.bgCancel()
	c.bg.Wait()
}

func (c *Coordinator) configure(ctx context.Context, slot *productSlot, cmd Command) error {
	id := cmd.Product
	log := pfxlog.ContextLogger(string(id))
	args := cmd.Configure
	if args == nil {
		return model.NewCommandError(model.MalformedInput, id, errors.New("configure requires arguments"))
	}
	antennas, err := model.ParseAntennas(args.Antennas)
	if err != nil {
		return model.NewCommandError(model.MalformedInput, id, err)
	}
	streams, camURL, err := model.ParseStreams(args.Streams)
	if err != nil {
		return model.NewCommandError(model.MalformedStreams, id, err)
	}
	streamsJSON, err := json.Marshal(streams)
	if err != nil {
		return model.NewCommandError(model.MalformedStreams, id, err)
	}

	if slot.record != nil {
		if c.policy.Reconfigure == ReconfigureReject {
			return model.NewCommandError(model.AlreadyConfigured, id, errors.Errorf("product is %s", slot.record.State))
		}
		log.Warnf("product [%s] already %s, overwriting configuration", id, slot.record.State)
		// the old session may point at a different portal
		if c.sensors != nil {
			c.sensors.End(id)
		}
		slot.sub = nil
	}

	now := c.now()
	stamp := float64(now.UnixMilli()) / 1000
	writes := []struct {
		key   string
		value string
		list  []string
	}{
		{key: model.ProductKey(id, model.KeyTimestamp), value: strconv.FormatFloat(stamp, 'f', 3, 64)},
		{key: model.ProductKey(id, model.KeyAntennas), list: antennas},
		{key: model.ProductKey(id, model.KeyNChannels), value: strconv.Itoa(args.NChannels)},
		{key: model.ProductKey(id, model.KeyProxyName), value: args.ProxyName},
		{key: model.ProductKey(id, model.KeyStreams), value: string(streamsJSON)},
		{key: model.ProductKey(id, model.KeyCamURL), value: camURL},
		{key: model.CurrentObsKey, value: string(id)},
	}
	var writeErr error
	for _, w := range writes {
		var err error
		if w.list != nil {
			err = c.kv.ReplaceList(ctx, w.key, w.list)
		} else {
			err = c.kv.Set(ctx, w.key, w.value)
		}
		if err != nil {
			log.WithField("key", w.key).WithError(err).Error("failed to write product key")
			writeErr = multierr.Append(writeErr, errors.Wrapf(err, "writing %s", w.key))
		}
	}
	// the alert goes out even when a write failed
	pubErr := c.publish(ctx, model.EventConfigure, id)
	if writeErr != nil {
		return model.NewCommandError(model.StoreWriteFailed, id, multierr.Append(writeErr, pubErr))
	}
	if pubErr != nil {
		return pubErr
	}

	if slot.machine == nil {
		slot.machine = newLifecycle()
	}
	if err := fire(slot.machine, model.EventConfigure); err != nil {
		slot.machine.SetState(string(model.Configured))
	}
	slot.record = &model.ProductRecord{
		Id:         id,
		Antennas:   antennas,
		NChannels:  args.NChannels,
		ProxyName:  args.ProxyName,
		Streams:    streams,
		CamURL:     camURL,
		State:      model.Configured,
		Configured: stamp,
	}
	return nil
}

// advance checks that ev is valid for the product and returns a commit func
// that applies it. Under the tolerant policy an out of order event is forced.
// known is false for a product with no record, which only tolerant ordering
// lets through.
func (c *Coordinator) advance(slot *productSlot, id model.ProductID, ev model.Event) (commit func(), known bool, err error) {
	log := pfxlog.ContextLogger(string(id))
	if slot.record == nil {
		if c.policy.Ordering == OrderingTolerant {
			log.Warnf("[%s] for unknown product [%s], tolerated", ev, id)
			return func() {}, false, nil
		}
		return nil, false, model.NewCommandError(model.UnknownProduct, id, errors.Errorf("[%s] for a product that is not configured", ev))
	}
	from := currentState(slot.machine)
	if !slot.machine.Can(ev.String()) {
		if c.policy.Ordering != OrderingTolerant {
			return nil, true, model.NewCommandError(model.InvalidTransition, id, errors.Errorf("[%s] not allowed from %s", ev, from))
		}
		log.Warnf("[%s] not allowed from %s, forcing %s", ev, from, ev.Target())
		return func() {
			slot.machine.SetState(string(ev.Target()))
			slot.record.State = ev.Target()
		}, true, nil
	}
	return func() {
		if err := fire(slot.machine, ev); err != nil {
			slot.machine.SetState(string(ev.Target()))
		}
		slot.record.State = ev.Target()
	}, true, nil
}

func (c *Coordinator) transition(ctx context.Context, slot *productSlot, id model.ProductID, ev model.Event) (bool, error) {
	commit, known, err := c.advance(slot, id, ev)
	if err != nil {
		return known, err
	}
	if err := c.publish(ctx, ev, id); err != nil {
		return known, err
	}
	commit()
	return known, nil
}

func (c *Coordinator) captureInit(ctx context.Context, slot *productSlot, cmd Command) error {
	if _, err := c.transition(ctx, slot, cmd.Product, model.EventCaptureInit); err != nil {
		return err
	}
	if c.sensors != nil {
		id := cmd.Product
		if sub := c.sensors.Begin(id); sub != nil {
			slot.sub = sub
		}
		c.background(id, "schedule blocks", func(ctx context.Context) error {
			return c.sensors.FetchScheduleBlocks(ctx, id)
		})
	}
	return nil
}

func (c *Coordinator) captureStart(ctx context.Context, slot *productSlot, cmd Command) error {
	if _, err := c.transition(ctx, slot, cmd.Product, model.EventCaptureStart); err != nil {
		return err
	}
	if c.sensors != nil && len(c.policy.CaptureStartTargets) > 0 {
		id := cmd.Product
		targets := append([]string(nil), c.policy.CaptureStartTargets...)
		c.background(id, "target query", func(ctx context.Context) error {
			return c.sensors.QueryAndStore(ctx, id, targets)
		})
	}
	return nil
}

func (c *Coordinator) captureStop(ctx context.Context, slot *productSlot, cmd Command) error {
	_, err := c.transition(ctx, slot, cmd.Product, model.EventCaptureStop)
	return err
}

func (c *Coordinator) captureDone(ctx context.Context, slot *productSlot, cmd Command) error {
	if _, err := c.transition(ctx, slot, cmd.Product, model.EventCaptureDone); err != nil {
		return err
	}
	if c.sensors != nil {
		c.sensors.Suspend(cmd.Product)
	}
	return nil
}

// deconfigure always publishes. An unknown product is a warning, not a
// failure; a known one has its portal session closed and its record removed.
func (c *Coordinator) deconfigure(ctx context.Context, slot *productSlot, cmd Command) error {
	id := cmd.Product
	log := pfxlog.ContextLogger(string(id))
	pubErr := c.publish(ctx, model.EventDeconfigure, id)

	if slot.record == nil {
		log.Warnf("failed to deconfigure a non-existent product_id [%s]", id)
		return pubErr
	}
	if slot.record.State != model.Done {
		log.Warnf("deconfiguring [%s] from %s", id, slot.record.State)
	}
	if c.sensors != nil {
		c.sensors.End(id)
	}
	slot.sub = nil
	slot.record = nil
	slot.machine = nil
	return pubErr
}

func (c *Coordinator) publish(ctx context.Context, ev model.Event, id model.ProductID) error {
	alert := model.Alert{Event: ev, Product: id}.String()
	if err := c.bus.Publish(ctx, c.channel, alert); err != nil {
		return model.NewCommandError(model.StorePublishFailed, id, errors.Wrapf(err, "publishing [%s]", alert))
	}
	c.metrics.AlertPublished(ev.String())
	pfxlog.ContextLogger(string(id)).Debugf("published [%s] on [%s]", alert, c.channel)
	return nil
}

// background runs best-effort sensor work off the command path.
func (c *Coordinator) background(id model.ProductID, what string, f func(ctx context.Context) error) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(c.bgCtx, c.bgTimeout)
		defer cancel()
		if err := f(ctx); err != nil {
			pfxlog.ContextLogger(string(id)).WithError(err).Warnf("%s failed", what)
		}
	}()
}
