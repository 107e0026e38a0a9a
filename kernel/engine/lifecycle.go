package engine

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/meerkat-bl/bluse/kernel/model"
)

var allStates = []string{
	string(model.Unconfigured),
	string(model.Configured),
	string(model.Initialized),
	string(model.Capturing),
	string(model.Stopped),
	string(model.Done),
}

// lifecycleEvents is the product state machine. Deconfigure tears down from
// any state so a product can always be released.
var lifecycleEvents = fsm.Events{
	{Name: model.EventConfigure.String(), Src: []string{string(model.Unconfigured)}, Dst: string(model.Configured)},
	{Name: model.EventCaptureInit.String(), Src: []string{string(model.Configured)}, Dst: string(model.Initialized)},
	{Name: model.EventCaptureStart.String(), Src: []string{string(model.Initialized)}, Dst: string(model.Capturing)},
	{Name: model.EventCaptureStop.String(), Src: []string{string(model.Capturing)}, Dst: string(model.Stopped)},
	{Name: model.EventCaptureDone.String(), Src: []string{string(model.Stopped)}, Dst: string(model.Done)},
	{Name: model.EventDeconfigure.String(), Src: allStates, Dst: string(model.Unconfigured)},
}

func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(string(model.Unconfigured), lifecycleEvents, fsm.Callbacks{})
}

func currentState(machine *fsm.FSM) model.LifecycleState {
	return model.LifecycleState(machine.Current())
}

// fire applies ev. The machine has no asynchronous callbacks, so a background
// context keeps a cancelled request from leaving a transition half done.
func fire(machine *fsm.FSM, ev model.Event) error {
	return machine.Event(context.Background(), ev.String())
}
