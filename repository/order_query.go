package repository

import (
	"context"
	"strings"
	"time"

	"dronedispatch/models"
)

// ListOrdersAdminParams represents filters and pagination for ListAdmin.
type ListOrdersAdminParams struct {
	Statuses      []models.OrderStatus
	CustomerID    *int64
	DroneID       *int64
	RequestedFrom *time.Time // optional inclusive lower bound on requested_at
	RequestedTo   *time.Time // optional inclusive upper bound on requested_at
	PageSize      int
	AfterSeconds  int64 // keyset cursor: requested_at unix seconds
	AfterID       int64 // keyset cursor: order id
}

// ListAdmin returns orders matching filters ordered by requested_at desc, id
// desc with keyset pagination.
func (r *OrderRepository) ListAdmin(ctx context.Context, p ListOrdersAdminParams) ([]models.DeliveryOrder, error) {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var where []string
	var args []any

	if len(p.Statuses) > 0 {
		placeholders := make([]string, len(p.Statuses))
		for i, s := range p.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if p.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, *p.CustomerID)
	}
	if p.DroneID != nil {
		where = append(where, "drone_id = ?")
		args = append(args, *p.DroneID)
	}
	if p.RequestedFrom != nil {
		where = append(where, "requested_at >= ?")
		args = append(args, *p.RequestedFrom)
	}
	if p.RequestedTo != nil {
		where = append(where, "requested_at <= ?")
		args = append(args, *p.RequestedTo)
	}
	if p.AfterSeconds > 0 && p.AfterID > 0 {
		where = append(where, "(CAST(strftime('%s', requested_at) AS INTEGER) < ? OR (CAST(strftime('%s', requested_at) AS INTEGER) = ? AND id < ?))")
		args = append(args, p.AfterSeconds, p.AfterSeconds, p.AfterID)
	}

	query := `SELECT ` + orderColumns + ` FROM delivery_orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at DESC, id DESC LIMIT ?"
	args = append(args, p.PageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrderRows(rows)
}
