package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dronedispatch/models"
)

// OrderRepository is the core repository for DeliveryOrder entities and their
// append-only status history.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, customer_id, package_id, drone_id, pickup_lat, pickup_lng,
delivery_lat, delivery_lng, status, priority, notes, requested_at, assigned_at,
picked_up_at, delivered_at, estimated_eta, estimated_duration_minutes,
actual_delivery_time_minutes, total_cost`

// Create inserts a new order. Status defaults to 'pending' if empty.
func (r *OrderRepository) Create(ctx context.Context, o *models.DeliveryOrder) (*models.DeliveryOrder, error) {
	if o == nil {
		return nil, errors.New("order is nil")
	}
	if o.Status == "" {
		o.Status = models.OrderStatusPending
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO delivery_orders
(customer_id, package_id, drone_id, pickup_lat, pickup_lng, delivery_lat, delivery_lng, status, priority, notes)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		o.CustomerID, o.PackageID, o.DroneID, o.PickupLat, o.PickupLng,
		o.DeliveryLat, o.DeliveryLng, string(o.Status), o.Priority, o.Notes)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	o2, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o2 == nil {
		return nil, fmt.Errorf("created order not found: id=%d", id)
	}
	return o2, nil
}

// GetByID fetches an order by its ID.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.DeliveryOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM delivery_orders WHERE id = ?`, id)
	o, err := scanOrderFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// UpdateAssignment records a drone assignment in one statement: drone id,
// status, assigned_at and picked_up_at.
func (r *OrderRepository) UpdateAssignment(ctx context.Context, id, droneID int64, status models.OrderStatus, assignedAt, pickedUpAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `UPDATE delivery_orders
SET drone_id = ?, status = ?, assigned_at = ?, picked_up_at = COALESCE(picked_up_at, ?)
WHERE id = ?`, droneID, string(status), assignedAt, pickedUpAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateStatus updates only the status column. Timestamp side effects are
// handled by the dispatch pipeline via the dedicated setters below.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id int64, status models.OrderStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE delivery_orders SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// SetDelivered marks the order delivered with its completion timestamp and the
// measured delivery duration in minutes.
func (r *OrderRepository) SetDelivered(ctx context.Context, id int64, at time.Time, actualMinutes float64) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE delivery_orders
SET status = ?, delivered_at = ?, actual_delivery_time_minutes = ? WHERE id = ?`,
		string(models.OrderStatusDelivered), at, actualMinutes, id)
	return err
}

// SetEstimates writes the optimization outputs: ETA, duration and total cost.
func (r *OrderRepository) SetEstimates(ctx context.Context, id int64, eta time.Time, durationMinutes int, totalCost float64) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE delivery_orders
SET estimated_eta = ?, estimated_duration_minutes = ?, total_cost = ? WHERE id = ?`,
		eta, durationMinutes, totalCost, id)
	return err
}

// ClearDrone detaches the drone from the order without deleting either side.
func (r *OrderRepository) ClearDrone(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `UPDATE delivery_orders SET drone_id = NULL WHERE id = ?`, id)
	return err
}

// FindActiveByDrone returns the non-terminal order currently assigned to the
// drone, if any.
func (r *OrderRepository) FindActiveByDrone(ctx context.Context, droneID int64) (*models.DeliveryOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM delivery_orders
WHERE drone_id = ? AND status NOT IN ('delivered','failed','cancelled')
ORDER BY id DESC LIMIT 1`, droneID)
	o, err := scanOrderFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// AppendHistory writes one status-history row.
func (r *OrderRepository) AppendHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	if h == nil {
		return errors.New("history is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ts := h.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO order_status_history (order_id, status, changed_by, notes, timestamp)
VALUES (?,?,?,?,?)`, h.OrderID, string(h.Status), h.ChangedBy, h.Notes, ts)
	return err
}

// HistoryForOrder returns the order's transitions oldest first.
func (r *OrderRepository) HistoryForOrder(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT id, order_id, status, changed_by, notes, timestamp
FROM order_status_history WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OrderStatusHistory
	for rows.Next() {
		var h models.OrderStatusHistory
		var status string
		var changedBy sql.NullInt64
		if err := rows.Scan(&h.ID, &h.OrderID, &status, &changedBy, &h.Notes, &h.Timestamp); err != nil {
			return nil, err
		}
		h.Status = models.OrderStatus(status)
		if changedBy.Valid {
			v := changedBy.Int64
			h.ChangedBy = &v
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListByCustomer returns all orders for a customer ordered by requested_at desc.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID int64) ([]models.DeliveryOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM delivery_orders
WHERE customer_id = ? ORDER BY requested_at DESC, id DESC`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

func scanOrderRows(rows *sql.Rows) ([]models.DeliveryOrder, error) {
	var out []models.DeliveryOrder
	for rows.Next() {
		o, err := scanOrderFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanOrderFrom(s rowScanner) (*models.DeliveryOrder, error) {
	var o models.DeliveryOrder
	var status string
	var droneID sql.NullInt64
	var assignedAt, pickedUpAt, deliveredAt, eta sql.NullTime
	var durationMin sql.NullInt64
	var actualMin, totalCost sql.NullFloat64
	err := s.Scan(&o.ID, &o.CustomerID, &o.PackageID, &droneID,
		&o.PickupLat, &o.PickupLng, &o.DeliveryLat, &o.DeliveryLng,
		&status, &o.Priority, &o.Notes, &o.RequestedAt,
		&assignedAt, &pickedUpAt, &deliveredAt, &eta, &durationMin, &actualMin, &totalCost)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	if droneID.Valid {
		v := droneID.Int64
		o.DroneID = &v
	}
	if assignedAt.Valid {
		v := assignedAt.Time
		o.AssignedAt = &v
	}
	if pickedUpAt.Valid {
		v := pickedUpAt.Time
		o.PickedUpAt = &v
	}
	if deliveredAt.Valid {
		v := deliveredAt.Time
		o.DeliveredAt = &v
	}
	if eta.Valid {
		v := eta.Time
		o.EstimatedETA = &v
	}
	if durationMin.Valid {
		v := int(durationMin.Int64)
		o.EstimatedDurationMinutes = &v
	}
	if actualMin.Valid {
		v := actualMin.Float64
		o.ActualDeliveryTimeMinutes = &v
	}
	if totalCost.Valid {
		v := totalCost.Float64
		o.TotalCost = &v
	}
	return &o, nil
}
