package projection

import (
	"sync"

	"marketplace-order-service/internal/models"
)

// Projection is a client-side mirror of server order state fed by push
// events, with pull fallback. Pushed snapshots replace cached entries
// wholesale, so applying the same event twice converges to the same state.
//
// It is the embeddable core for anything that keeps a live view of orders:
// the demo web client, operator dashboards, integration tests.
type Projection struct {
	mu sync.Mutex

	orders map[string]*models.Order
	lists  map[string]*listState
}

// listState tracks one order-list view and its fetch generation. The
// generation guards against a slow fetch response overwriting a view that was
// invalidated again while the fetch was in flight.
type listState struct {
	orders     []models.Order
	stale      bool
	generation uint64
	loaded     bool
}

// New creates an empty projection
func New() *Projection {
	return &Projection{
		orders: make(map[string]*models.Order),
		lists:  make(map[string]*listState),
	}
}

// ApplyOrderUpdated replaces the cached order with the pushed snapshot.
// Never merges; a replayed or out-of-order duplicate leaves the same state.
func (p *Projection) ApplyOrderUpdated(order *models.Order) {
	if order == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders[order.ID] = order.Clone()
}

// ApplyPulled stores an order fetched over REST; same replace semantics as a
// pushed snapshot
func (p *Projection) ApplyPulled(order *models.Order) {
	p.ApplyOrderUpdated(order)
}

// Order returns the cached order, or nil if this projection has never seen it
func (p *Projection) Order(orderID string) *models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil
	}
	return o.Clone()
}

// InvalidateList marks a list view stale in response to an ordersListUpdated
// ping. The cached rows stay visible until the refetch lands.
func (p *Projection) InvalidateList(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.list(topic)
	ls.stale = true
	ls.generation++
}

// ListStale reports whether the view needs a refetch
func (p *Projection) ListStale(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.list(topic)
	return ls.stale || !ls.loaded
}

// BeginListFetch records that a refetch started and returns the generation to
// pass to CompleteListFetch
func (p *Projection) BeginListFetch(topic string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list(topic).generation
}

// CompleteListFetch installs the fetched rows unless the view was invalidated
// again after the fetch began. Returns whether the result was accepted; a
// rejected result means another refetch is already due.
func (p *Projection) CompleteListFetch(topic string, generation uint64, orders []models.Order) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.list(topic)
	if ls.generation != generation {
		return false
	}
	ls.orders = append([]models.Order(nil), orders...)
	ls.stale = false
	ls.loaded = true
	return true
}

// List returns the cached rows for a view; possibly stale, never partial
func (p *Projection) List(topic string) []models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls := p.list(topic)
	return append([]models.Order(nil), ls.orders...)
}

// InvalidateAll marks every list view stale and forgets nothing else. Called
// after a reconnect: any push missed during the gap is unknowable, so every
// view refetches.
func (p *Projection) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ls := range p.lists {
		ls.stale = true
		ls.generation++
	}
}

func (p *Projection) list(topic string) *listState {
	ls, ok := p.lists[topic]
	if !ok {
		ls = &listState{}
		p.lists[topic] = ls
	}
	return ls
}
