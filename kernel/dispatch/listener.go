package dispatch

import (
	"context"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// Handler reacts to one lifecycle alert.
type Handler interface {
	HandleAlert(ctx context.Context, alert model.Alert) error
}

type HandlerFunc func(ctx context.Context, alert model.Alert) error

func (f HandlerFunc) HandleAlert(ctx context.Context, alert model.Alert) error {
	return f(ctx, alert)
}

// Listener subscribes to the alert channel and hands every well formed alert
// to its handlers, one message at a time in arrival order.
type Listener struct {
	bus      store.AlertBus
	channel  string
	handlers []Handler
}

func NewListener(bus store.AlertBus, channel string, handlers ...Handler) *Listener {
	return &Listener{bus: bus, channel: channel, handlers: handlers}
}

// Run blocks until ctx is cancelled or the subscription ends.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.bus.Subscribe(ctx, l.channel)
	if err != nil {
		return errors.Wrapf(err, "subscribing to [%s]", l.channel)
	}
	defer func() { _ = sub.Close() }()

	log := pfxlog.Logger().WithField("channel", l.channel)
	log.Info("listening for alerts")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, open := <-sub.Messages():
			if !open {
				log.Info("alert subscription closed")
				return nil
			}
			l.Dispatch(ctx, msg)
		}
	}
}

// Dispatch parses msg and runs every handler. Malformed or unknown alerts are
// discarded with a warning.
func (l *Listener) Dispatch(ctx context.Context, msg string) bool {
	alert, err := model.ParseAlert(msg)
	if err != nil {
		pfxlog.Logger().WithField("message", msg).WithError(err).Warn("discarding alert")
		return false
	}
	for _, h := range l.handlers {
		if err := h.HandleAlert(ctx, alert); err != nil {
			pfxlog.ContextLogger(string(alert.Product)).WithError(err).Errorf("handling [%s] failed", alert)
		}
	}
	return true
}
