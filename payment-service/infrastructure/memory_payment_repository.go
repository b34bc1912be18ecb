package infrastructure

import (
	"context"
	"sync"

	"github.com/coffeehut/workflow/payment-service/domain"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/pkg/errors"
)

var _ domain.PaymentRepository = (*MemoryPaymentRepository)(nil)

// MemoryPaymentRepository keeps payments in process memory, indexed by
// payment and by order.
type MemoryPaymentRepository struct {
	mu       sync.RWMutex
	payments map[models.ID]postgresPayment
	byOrder  map[models.ID]models.ID
}

func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{
		payments: make(map[models.ID]postgresPayment),
		byOrder:  make(map[models.ID]models.ID),
	}
}

func (r *MemoryPaymentRepository) Save(_ context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[payment.ID]; ok {
		return errors.Errorf("payment %s already exists", payment.ID)
	}
	r.payments[payment.ID] = *toPostgres(payment)
	r.byOrder[payment.OrderID] = payment.ID
	return nil
}

func (r *MemoryPaymentRepository) Update(_ context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.payments[payment.ID]
	if !ok || stored.Version != payment.Version.Value-1 {
		return errors.Wrapf(models.ErrVersionConflict, "payment %s at version %d", payment.ID, payment.Version.Value-1)
	}
	r.payments[payment.ID] = *toPostgres(payment)
	return nil
}

func (r *MemoryPaymentRepository) FindByID(_ context.Context, id models.ID) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.find(id), nil
}

func (r *MemoryPaymentRepository) FindByOrderID(_ context.Context, orderID models.ID) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byOrder[orderID]
	if !ok {
		return nil, nil
	}
	return r.find(id), nil
}

func (r *MemoryPaymentRepository) find(id models.ID) *domain.Payment {
	stored, ok := r.payments[id]
	if !ok {
		return nil
	}
	return toDomain(&stored)
}
