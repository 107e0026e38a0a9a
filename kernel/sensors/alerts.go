package sensors

import (
	"context"
	"fmt"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// AlertHandler drives a Manager from lifecycle alerts, for deployments where
// sensor handling runs as a separate subscriber of the alert bus.
type AlertHandler struct {
	manager *Manager
	targets []string
}

func NewAlertHandler(manager *Manager, captureStartTargets []string) *AlertHandler {
	return &AlertHandler{manager: manager, targets: captureStartTargets}
}

type alertFunc func(h *AlertHandler, ctx context.Context, id model.ProductID) error

var alertTable = map[model.Event]alertFunc{
	model.EventConfigure: func(h *AlertHandler, ctx context.Context, id model.ProductID) error {
		return nil
	},
	model.EventCaptureInit: func(h *AlertHandler, ctx context.Context, id model.ProductID) error {
		if err := h.requireKnown(ctx, id); err != nil {
			return err
		}
		h.manager.Begin(id)
		return h.manager.FetchScheduleBlocks(ctx, id)
	},
	model.EventCaptureStart: func(h *AlertHandler, ctx context.Context, id model.ProductID) error {
		if err := h.requireKnown(ctx, id); err != nil {
			return err
		}
		return h.manager.QueryAndStore(ctx, id, h.targets)
	},
	model.EventCaptureStop: func(h *AlertHandler, ctx context.Context, id model.ProductID) error {
		return nil
	},
	model.EventCaptureDone: func(h *AlertHandler, ctx context.Context, id model.ProductID) error {
		h.manager.Suspend(id)
		return nil
	},
	model.EventDeconfigure: func(h *AlertHandler, ctx context.Context, id model.ProductID) error {
		h.manager.End(id)
		return nil
	},
}

func init() {
	for _, ev := range model.Events {
		if _, found := alertTable[ev]; !found {
			panic(fmt.Errorf("no sensor alert handler for event [%s]", ev))
		}
	}
}

// requireKnown keeps alerts for products configured elsewhere from opening
// portal sessions that nothing will end.
func (h *AlertHandler) requireKnown(ctx context.Context, id model.ProductID) error {
	known, err := h.manager.Known(ctx, id)
	if err != nil {
		return model.NewCommandError(model.StoreWriteFailed, id, errors.Wrap(err, "checking cam_url"))
	}
	if !known {
		return model.NewCommandError(model.UnknownProduct, id, errors.New("no cam_url stored for product"))
	}
	return nil
}

func (h *AlertHandler) HandleAlert(ctx context.Context, alert model.Alert) error {
	pfxlog.ContextLogger(string(alert.Product)).Infof("sensor side handling [%s]", alert)
	return alertTable[alert.Event](h, ctx, alert.Product)
}
