package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Event is a lifecycle command as seen on the alert bus.
type Event int

const (
	EventConfigure Event = iota
	EventCaptureInit
	EventCaptureStart
	EventCaptureStop
	EventCaptureDone
	EventDeconfigure
)

// Events lists every lifecycle event in protocol order.
var Events = []Event{
	EventConfigure,
	EventCaptureInit,
	EventCaptureStart,
	EventCaptureStop,
	EventCaptureDone,
	EventDeconfigure,
}

var eventNames = [...]string{
	EventConfigure:    "configure",
	EventCaptureInit:  "capture-init",
	EventCaptureStart: "capture-start",
	EventCaptureStop:  "capture-stop",
	EventCaptureDone:  "capture-done",
	EventDeconfigure:  "deconfigure",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// ParseEvent maps a wire name to an Event.
func ParseEvent(name string) (Event, bool) {
	for i, n := range eventNames {
		if n == name {
			return Event(i), true
		}
	}
	return 0, false
}

// Target is the lifecycle state an event moves a product into. Deconfigure
// removes the product, reported here as Unconfigured.
func (e Event) Target() LifecycleState {
	switch e {
	case EventConfigure:
		return Configured
	case EventCaptureInit:
		return Initialized
	case EventCaptureStart:
		return Capturing
	case EventCaptureStop:
		return Stopped
	case EventCaptureDone:
		return Done
	default:
		return Unconfigured
	}
}

// Alert is one message on the alert bus.
type Alert struct {
	Event   Event
	Product ProductID
}

func (a Alert) String() string {
	return a.Event.String() + ":" + string(a.Product)
}

var (
	ErrMalformedAlert = errors.New("alert is not <event>:<product_id>")
	ErrUnknownEvent   = errors.New("unrecognized alert event")
)

// ParseAlert splits an "<event>:<product_id>" message. Messages that do not
// split into exactly two parts return ErrMalformedAlert; unknown event names
// return ErrUnknownEvent.
func ParseAlert(msg string) (Alert, error) {
	parts := strings.Split(msg, ":")
	if len(parts) != 2 {
		return Alert{}, ErrMalformedAlert
	}
	ev, ok := ParseEvent(parts[0])
	if !ok {
		return Alert{}, ErrUnknownEvent
	}
	return Alert{Event: ev, Product: ProductID(parts[1])}, nil
}
