package engine

import (
	"strings"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/pkg/errors"
)

// Command is one lifecycle request from CAM. Configure carries its payload in
// Configure; every other event needs only the product id.
type Command struct {
	Event     model.Event
	Product   model.ProductID
	Configure *ConfigureArgs
}

type ConfigureArgs struct {
	Antennas  string
	NChannels int
	Streams   string
	ProxyName string
}

func (c Command) String() string {
	return c.Event.String() + ":" + string(c.Product)
}

// ReconfigurePolicy decides what configure does for an already active product.
type ReconfigurePolicy string

const (
	ReconfigureOverwrite ReconfigurePolicy = "overwrite"
	ReconfigureReject    ReconfigurePolicy = "reject"
)

// OrderingPolicy decides what happens to commands that do not follow the
// product lifecycle.
type OrderingPolicy string

const (
	OrderingStrict   OrderingPolicy = "strict"
	OrderingTolerant OrderingPolicy = "tolerant"
)

type Policy struct {
	Reconfigure         ReconfigurePolicy
	Ordering            OrderingPolicy
	CaptureStartTargets []string
}

func DefaultPolicy() Policy {
	return Policy{
		Reconfigure:         ReconfigureOverwrite,
		Ordering:            OrderingStrict,
		CaptureStartTargets: []string{"target", "pos_request_base_ra", "pos_request_base_dec", "weight"},
	}
}

func ParseReconfigurePolicy(s string) (ReconfigurePolicy, error) {
	switch p := ReconfigurePolicy(strings.ToLower(s)); p {
	case ReconfigureOverwrite, ReconfigureReject:
		return p, nil
	}
	return "", errors.Errorf("unknown reconfigure policy [%s]", s)
}

func ParseOrderingPolicy(s string) (OrderingPolicy, error) {
	switch p := OrderingPolicy(strings.ToLower(s)); p {
	case OrderingStrict, OrderingTolerant:
		return p, nil
	}
	return "", errors.Errorf("unknown ordering policy [%s]", s)
}
