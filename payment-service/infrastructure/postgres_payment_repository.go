package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/coffeehut/workflow/payment-service/domain"
	"github.com/coffeehut/workflow/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ domain.PaymentRepository = (*PostgresPaymentRepository)(nil)

const selectPayment = `
	SELECT id, order_id, amount, status,
		   created_at, updated_at, version
	FROM payments`

// PostgresPaymentRepository implements PaymentRepository using PostgreSQL
type PostgresPaymentRepository struct {
	db *sqlx.DB
}

// NewPostgresPaymentRepository creates a new PostgresPaymentRepository
func NewPostgresPaymentRepository(db *sqlx.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

type postgresPayment struct {
	ID        string    `db:"id"`
	OrderID   string    `db:"order_id"`
	Amount    float64   `db:"amount"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Version   int       `db:"version"`
}

func (r *PostgresPaymentRepository) Save(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, order_id, amount, status,
			created_at, updated_at, version
		) VALUES (
			:id, :order_id, :amount, :status,
			:created_at, :updated_at, :version
		)`

	if _, err := r.db.NamedExecContext(ctx, query, toPostgres(payment)); err != nil {
		return errors.Wrap(err, "failed to insert payment")
	}
	return nil
}

// Update uses the version column as an optimistic lock
func (r *PostgresPaymentRepository) Update(ctx context.Context, payment *domain.Payment) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, updated_at = $2, version = $3
		WHERE id = $4 AND version = $5`,
		string(payment.Status),
		payment.Timestamps.UpdatedAt,
		payment.Version.Value,
		payment.ID.String(),
		payment.Version.Value-1,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update payment")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to update payment")
	}
	if affected == 0 {
		return errors.Wrapf(models.ErrVersionConflict, "payment %s at version %d", payment.ID, payment.Version.Value-1)
	}
	return nil
}

func (r *PostgresPaymentRepository) FindByID(ctx context.Context, id models.ID) (*domain.Payment, error) {
	return r.findOne(ctx, selectPayment+` WHERE id = $1`, id.String())
}

// FindByOrderID returns the latest payment opened for the order
func (r *PostgresPaymentRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.Payment, error) {
	return r.findOne(ctx, selectPayment+` WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID.String())
}

func (r *PostgresPaymentRepository) findOne(ctx context.Context, query string, arg string) (*domain.Payment, error) {
	var row postgresPayment
	if err := r.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find payment")
	}
	return toDomain(&row), nil
}

func toPostgres(payment *domain.Payment) *postgresPayment {
	return &postgresPayment{
		ID:        payment.ID.String(),
		OrderID:   payment.OrderID.String(),
		Amount:    payment.Amount,
		Status:    string(payment.Status),
		CreatedAt: payment.Timestamps.CreatedAt,
		UpdatedAt: payment.Timestamps.UpdatedAt,
		Version:   payment.Version.Value,
	}
}

func toDomain(row *postgresPayment) *domain.Payment {
	return &domain.Payment{
		ID:      models.ID(row.ID),
		OrderID: models.ID(row.OrderID),
		Amount:  row.Amount,
		Status:  domain.PaymentStatus(row.Status),
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
		Version: models.Version{Value: row.Version},
	}
}
