package portal

import (
	"context"

	"github.com/meerkat-bl/bluse/kernel/model"
)

// Update is a pushed sensor reading for a subscribed sensor.
type Update struct {
	Namespace string
	Sensor    string
	Sample    model.SensorSample
}

// Session is one connection to the telescope portal for one product.
//
// Updates are delivered on the channel returned by Updates, which is closed
// when the session ends. All other calls may block on the network and honour
// ctx cancellation.
type Session interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, namespace string) (int, error)
	SetSamplingStrategy(ctx context.Context, namespace, sensor, strategy string) error
	SensorNames(ctx context.Context, patterns []string) ([]string, error)
	SensorValue(ctx context.Context, name string) (model.SensorSample, error)
	ScheduleBlocks(ctx context.Context) ([]string, error)
	Updates() <-chan Update
	Close() error
}

// Dialer creates portal sessions from a product's cam_url.
type Dialer interface {
	Dial(ctx context.Context, camURL string) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, camURL string) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, camURL string) (Session, error) {
	return f(ctx, camURL)
}
