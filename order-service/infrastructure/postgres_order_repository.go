package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/coffeehut/workflow/order-service/domain"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ domain.OrderRepository = (*PostgresOrderRepository)(nil)

// PostgresOrderRepository implements OrderRepository using PostgreSQL
type PostgresOrderRepository struct {
	db *sqlx.DB
}

// NewPostgresOrderRepository creates a new PostgresOrderRepository
func NewPostgresOrderRepository(db *sqlx.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

// postgresOrder represents order in database
type postgresOrder struct {
	ID           string    `db:"id"`
	Beverage     string    `db:"beverage"`
	CustomerName string    `db:"customer_name"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
	Version      int       `db:"version"`
}

// Save inserts a new order
func (r *PostgresOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (
			id, beverage, customer_name, status,
			created_at, updated_at, version
		) VALUES (
			:id, :beverage, :customer_name, :status,
			:created_at, :updated_at, :version
		)`

	if _, err := r.db.NamedExecContext(ctx, query, toPostgres(order)); err != nil {
		return errors.Wrap(err, "failed to insert order")
	}

	return nil
}

// Update stores the new status of an order. The row must still be at the
// previous version.
func (r *PostgresOrderRepository) Update(ctx context.Context, order *domain.Order) error {
	query := `
		UPDATE orders
		SET status = :status, updated_at = :updated_at, version = :version
		WHERE id = :id AND version = :old_version`

	res, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":          order.ID.String(),
		"status":      string(order.Status),
		"updated_at":  order.Timestamps.UpdatedAt,
		"version":     order.Version.Value,
		"old_version": order.Version.Value - 1,
	})
	if err != nil {
		return errors.Wrap(err, "failed to update order")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to update order")
	}
	if affected == 0 {
		return errors.Wrapf(models.ErrVersionConflict, "order %s at version %d", order.ID, order.Version.Value-1)
	}

	return nil
}

// FindByID finds an order by ID
func (r *PostgresOrderRepository) FindByID(ctx context.Context, id models.ID) (*domain.Order, error) {
	query := `
		SELECT id, beverage, customer_name, status,
			   created_at, updated_at, version
		FROM orders
		WHERE id = $1`

	var pgOrder postgresOrder
	err := r.db.GetContext(ctx, &pgOrder, query, id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find order")
	}

	return toDomain(&pgOrder), nil
}

func toPostgres(order *domain.Order) *postgresOrder {
	return &postgresOrder{
		ID:           order.ID.String(),
		Beverage:     order.Beverage,
		CustomerName: order.CustomerName,
		Status:       string(order.Status),
		CreatedAt:    order.Timestamps.CreatedAt,
		UpdatedAt:    order.Timestamps.UpdatedAt,
		Version:      order.Version.Value,
	}
}

func toDomain(pgOrder *postgresOrder) *domain.Order {
	return &domain.Order{
		ID:           models.ID(pgOrder.ID),
		Beverage:     pgOrder.Beverage,
		CustomerName: pgOrder.CustomerName,
		Status:       domain.OrderStatus(pgOrder.Status),
		Timestamps: models.Timestamps{
			CreatedAt: pgOrder.CreatedAt,
			UpdatedAt: pgOrder.UpdatedAt,
		},
		Version: models.Version{Value: pgOrder.Version},
	}
}
