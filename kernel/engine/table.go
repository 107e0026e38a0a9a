package engine

import (
	"sort"
	"sync"

	"github.com/looplab/fsm"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/sensors"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// productSlot serializes commands for one product. The table never holds a
// lock while a slot does I/O.
type productSlot struct {
	mu      sync.Mutex
	removed bool
	record  *model.ProductRecord
	machine *fsm.FSM
	sub     *sensors.Subscription

	viewMu sync.RWMutex
	view   *model.ProductRecord
}

// publish refreshes the copy served to status readers.
func (s *productSlot) publish() {
	var view *model.ProductRecord
	if s.record != nil {
		view = s.record.Clone()
	}
	s.viewMu.Lock()
	s.view = view
	s.viewMu.Unlock()
}

func (s *productSlot) snapshot() *model.ProductRecord {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.Clone()
}

type productTable struct {
	slots cmap.ConcurrentMap[string, *productSlot]
}

func newProductTable() *productTable {
	return &productTable{slots: cmap.New[*productSlot]()}
}

// acquire returns the locked slot for id, creating it if needed.
func (t *productTable) acquire(id model.ProductID) *productSlot {
	for {
		slot := t.slots.Upsert(string(id), nil, func(exist bool, inMap *productSlot, _ *productSlot) *productSlot {
			if exist {
				return inMap
			}
			return &productSlot{}
		})
		slot.mu.Lock()
		if !slot.removed {
			return slot
		}
		slot.mu.Unlock()
	}
}

// release unlocks the slot, dropping it from the table if it holds no product.
func (t *productTable) release(id model.ProductID, slot *productSlot) {
	slot.publish()
	if slot.record == nil {
		slot.removed = true
		t.slots.RemoveCb(string(id), func(_ string, v *productSlot, exists bool) bool {
			return exists && v == slot
		})
	}
	slot.mu.Unlock()
}

func (t *productTable) get(id model.ProductID) (*model.ProductRecord, bool) {
	slot, found := t.slots.Get(string(id))
	if !found {
		return nil, false
	}
	view := slot.snapshot()
	return view, view != nil
}

func (t *productTable) snapshot() []*model.ProductRecord {
	var out []*model.ProductRecord
	for _, slot := range t.slots.Items() {
		if view := slot.snapshot(); view != nil {
			out = append(out, view)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}
