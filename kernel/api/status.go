package api

import (
	"context"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/sensors"
	"github.com/pkg/errors"
)

var ErrProductNotFound = errors.New("product not found")

// ProductStatus is the status API view of one active product.
type ProductStatus struct {
	Record       *model.ProductRecord          `json:"record"`
	Subscription *SubscriptionStatus           `json:"subscription,omitempty"`
	Recent       map[string]model.SensorSample `json:"recent,omitempty"`
}

type SubscriptionStatus struct {
	State      sensors.State `json:"state"`
	Serviced   bool          `json:"serviced"`
	Sensors    []string      `json:"sensors"`
	Namespaces []string      `json:"namespaces"`
	LastError  string        `json:"last_error,omitempty"`
}

// Source answers status queries. The in-process Service and the HTTP Client
// both implement it.
type Source interface {
	Products(ctx context.Context) ([]ProductStatus, error)
	Product(ctx context.Context, id model.ProductID) (*ProductStatus, error)
}

// ProductTable is the coordinator's read side.
type ProductTable interface {
	Snapshot() []*model.ProductRecord
	Get(id model.ProductID) (*model.ProductRecord, bool)
}

// Service builds product status from the coordinator and, when sensors are
// handled in process, the subscription manager.
type Service struct {
	table   ProductTable
	sensors *sensors.Manager
}

func NewService(table ProductTable, manager *sensors.Manager) *Service {
	return &Service{table: table, sensors: manager}
}

func (s *Service) Products(_ context.Context) ([]ProductStatus, error) {
	records := s.table.Snapshot()
	out := make([]ProductStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, s.status(rec, false))
	}
	return out, nil
}

func (s *Service) Product(_ context.Context, id model.ProductID) (*ProductStatus, error) {
	rec, found := s.table.Get(id)
	if !found {
		return nil, errors.Wrapf(ErrProductNotFound, "[%s]", id)
	}
	st := s.status(rec, true)
	return &st, nil
}

func (s *Service) status(rec *model.ProductRecord, detail bool) ProductStatus {
	st := ProductStatus{Record: rec}
	if s.sensors == nil {
		return st
	}
	if sub, found := s.sensors.Subscription(rec.Id); found {
		st.Subscription = &SubscriptionStatus{
			State:      sub.State(),
			Serviced:   sub.Serviced(),
			Sensors:    sub.Sensors(),
			Namespaces: sub.Namespaces(),
		}
		if err := sub.LastError(); err != nil {
			st.Subscription.LastError = err.Error()
		}
	}
	if detail {
		st.Recent = s.sensors.Recent(rec.Id)
	}
	return st
}
