package infrastructure

import (
	"context"
	"sync"

	"github.com/coffeehut/workflow/order-service/domain"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

var _ domain.OrderRepository = (*MemoryOrderRepository)(nil)

// MemoryOrderRepository keeps orders in process memory. It stores the
// database representation so callers never share the aggregate.
type MemoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[models.ID]postgresOrder
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[models.ID]postgresOrder)}
}

func (r *MemoryOrderRepository) Save(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[order.ID]; ok {
		return errors.Errorf("order %s already exists", order.ID)
	}
	r.orders[order.ID] = *toPostgres(order)
	return nil
}

func (r *MemoryOrderRepository) Update(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[order.ID]
	if !ok || stored.Version != order.Version.Value-1 {
		return errors.Wrapf(models.ErrVersionConflict, "order %s at version %d", order.ID, order.Version.Value-1)
	}
	r.orders[order.ID] = *toPostgres(order)
	return nil
}

func (r *MemoryOrderRepository) FindByID(_ context.Context, id models.ID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	return toDomain(&stored), nil
}
