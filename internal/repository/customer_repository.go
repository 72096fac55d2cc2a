package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// CustomerRepositoryInterface is the read-only audience lookup the dispatcher needs.
type CustomerRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Customer, error)
	// ResolveCustomers returns a segment's members in segment order.
	ResolveCustomers(ctx context.Context, segmentID string) ([]model.Customer, error)
}

// CustomerRepository is the concrete implementation
type CustomerRepository struct {
	DB *sql.DB
}

// GetByID fetches a customer by ID. A missing customer is (nil, nil).
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*model.Customer, error) {
	query := `SELECT id, name, phone FROM customers WHERE id = $1`

	var c model.Customer
	if err := r.DB.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.Phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *CustomerRepository) ResolveCustomers(ctx context.Context, segmentID string) ([]model.Customer, error) {
	var exists bool
	if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM segments WHERE id = $1)`, segmentID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, appErrors.NewSegmentNotFound(segmentID)
	}

	query := `
		SELECT c.id, c.name, c.phone
		FROM segment_customers sc
		JOIN customers c ON c.id = sc.customer_id
		WHERE sc.segment_id = $1
		ORDER BY sc.position, c.id
	`
	rows, err := r.DB.QueryContext(ctx, query, segmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []model.Customer{}
	for rows.Next() {
		var c model.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
