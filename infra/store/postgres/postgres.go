// Package postgres is the server store backend built on pgx. Broadcast sets
// are TEXT[] columns so every ledger transition touches a single row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexora/dispatch/core/factory"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/store"
)

// Config holds the connection settings.
type Config struct {
	URL      string `json:"url"`
	MaxConns int32  `json:"max_conns"`
}

func init() {
	_ = store.Register("postgres", func(conf map[string]any) (store.Store, error) {
		var c Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return Connect(ctx, c)
	})
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool, pings the server and applies the schema.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) CreateOrder(ctx context.Context, o *model.Order) error {
	now := time.Now().UTC()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orders (id, customer_id, status, assignment_id, assigned_courier_id, delivery_otp, body, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.CustomerID, string(o.Status), o.AssignmentID, o.AssignedCourierID, o.DeliveryOTP, body, o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// guardedOrderUpdate runs an UPDATE ... WHERE id = $1 AND status = <from>
// RETURNING the order. No row back means the guard failed or the order
// does not exist; the current row tells which.
func (s *Store) guardedOrderUpdate(ctx context.Context, id, query string, args ...any) (model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, query+` RETURNING `+orderColumns, append([]any{id}, args...)...))
	if !errors.Is(err, store.ErrNotFound) {
		return o, err
	}
	cur, err := s.GetOrder(ctx, id)
	if err != nil {
		return cur, err
	}
	return cur, store.ErrStale
}

func (s *Store) AdvanceOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (model.Order, error) {
	return s.guardedOrderUpdate(ctx, id,
		`UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		string(from), string(to))
}

func (s *Store) SetOrderOTP(ctx context.Context, id, code string) error {
	_, err := s.guardedOrderUpdate(ctx, id,
		`UPDATE orders SET delivery_otp = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		string(model.OrderOutForDelivery), code)
	return err
}

// DeliverOrder mirrors model.Order.MarkDelivered inside the guarded UPDATE.
func (s *Store) DeliverOrder(ctx context.Context, id string, at time.Time) (model.Order, error) {
	return s.guardedOrderUpdate(ctx, id,
		`UPDATE orders SET status = $3, delivery_otp = '', updated_at = now(),
                body = body || jsonb_build_object('deliveredAt', $4::timestamptz, 'otpVerified', true)
                            || CASE WHEN body->>'paymentMethod' = $5 THEN '{"paid": true}'::jsonb ELSE '{}'::jsonb END
         WHERE id = $1 AND status = $2`,
		string(model.OrderOutForDelivery), string(model.OrderDelivered), at.UTC(), string(model.PaymentCOD))
}

func (s *Store) SetOrderAssignment(ctx context.Context, orderID, assignmentID, courierID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET assignment_id = $2, assigned_courier_id = $3, updated_at = now() WHERE id = $1`,
		orderID, assignmentID, courierID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
         WHERE ($1 = '' OR customer_id = $1)
           AND ($2 = '' OR assigned_courier_id = $2)
           AND ($3 = '' OR status = $3)
           AND ($4 = '' OR status <> $4)
         ORDER BY created_at`,
		f.CustomerID, f.AssignedCourierID, string(f.Status), string(f.ExcludeStatus))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]model.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// orderColumns lists the body plus the columns that override it.
const orderColumns = `body, status, delivery_otp, assignment_id, assigned_courier_id, updated_at`

func scanOrder(row pgx.Row) (model.Order, error) {
	var (
		body                                 []byte
		status, otp, assignmentID, courierID string
		updated                              time.Time
	)
	if err := row.Scan(&body, &status, &otp, &assignmentID, &courierID, &updated); err != nil {
		return model.Order{}, notFound(err)
	}
	var o model.Order
	if err := json.Unmarshal(body, &o); err != nil {
		return model.Order{}, fmt.Errorf("decode order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	o.DeliveryOTP = otp
	o.AssignmentID = assignmentID
	o.AssignedCourierID = courierID
	o.UpdatedAt = updated.UTC()
	return o, nil
}

const userColumns = `id, name, email, mobile, role, online, connection_id, lat, lon, location_updated_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.UpdatedAt = time.Now().UTC()
	var conn, locAt any
	if u.ConnectionID != "" {
		conn = u.ConnectionID
	}
	if !u.LocationUpdatedAt.IsZero() {
		locAt = u.LocationUpdatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.Name, u.Email, u.Mobile, string(u.Role), u.Online, conn,
		u.Location.Latitude, u.Location.Longitude, locAt, u.UpdatedAt)
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func scanUser(row pgx.Row) (model.User, error) {
	var (
		u     model.User
		role  string
		conn  *string
		locAt *time.Time
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Mobile, &role, &u.Online, &conn,
		&u.Location.Latitude, &u.Location.Longitude, &locAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, notFound(err)
	}
	u.Role = model.Role(role)
	if conn != nil {
		u.ConnectionID = *conn
	}
	if locAt != nil {
		u.LocationUpdatedAt = locAt.UTC()
	}
	return u, nil
}

func (s *Store) SetPresence(ctx context.Context, userID, connID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE users SET online = FALSE, connection_id = NULL WHERE connection_id = $1 AND id <> $2`, connID, userID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE users SET online = TRUE, connection_id = $2, updated_at = now() WHERE id = $1`, userID, connID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) ClearPresence(ctx context.Context, connID string) (model.User, error) {
	if connID == "" {
		return model.User{}, store.ErrNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET online = FALSE, connection_id = NULL, updated_at = now()
         WHERE connection_id = $1 RETURNING `+userColumns, connID))
}

func (s *Store) UpdateLocation(ctx context.Context, userID string, p model.GeoPoint, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET lat = $2, lon = $3, location_updated_at = $4 WHERE id = $1`,
		userID, p.Latitude, p.Longitude, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) OnlineCouriers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
         WHERE role = $1 AND online AND connection_id IS NOT NULL AND NOT (lat = 0 AND lon = 0)
         ORDER BY id`, string(model.RoleCourier))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

const assignmentColumns = `id, order_id, status, broadcast_to, declined_by, assigned_to, radius_m, accepted_at, completed_at, created_at, updated_at`

func scanAssignment(row pgx.Row) (model.Assignment, error) {
	var (
		a        model.Assignment
		status   string
		assigned *string
	)
	err := row.Scan(&a.ID, &a.OrderID, &status, &a.BroadcastTo, &a.DeclinedBy, &assigned, &a.RadiusM,
		&a.AcceptedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return model.Assignment{}, notFound(err)
	}
	a.Status = model.AssignmentStatus(status)
	if assigned != nil {
		a.AssignedTo = *assigned
	}
	if a.BroadcastTo == nil {
		a.BroadcastTo = []string{}
	}
	if len(a.DeclinedBy) == 0 {
		a.DeclinedBy = nil
	}
	return a, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a *model.Assignment) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = model.AssignmentBroadcasted
	a.AssignedTo = ""
	a.CreatedAt = now
	a.UpdatedAt = now
	set := a.BroadcastTo
	if set == nil {
		set = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (id, order_id, status, broadcast_to, radius_m, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		a.ID, a.OrderID, string(a.Status), set, a.RadiusM, now)
	if uniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	return scanAssignment(s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id))
}

func (s *Store) OpenAssignmentForOrder(ctx context.Context, orderID string) (model.Assignment, error) {
	return scanAssignment(s.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE order_id = $1 AND status IN ('Broadcasted', 'Assigned')`, orderID))
}

func (s *Store) ActiveAssignmentFor(ctx context.Context, courierID string) (model.Assignment, error) {
	return scanAssignment(s.pool.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE assigned_to = $1 AND status = 'Assigned'`, courierID))
}

func (s *Store) ClaimAssignment(ctx context.Context, id, courierID string, at time.Time) (model.Assignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`UPDATE assignments SET status = 'Assigned', assigned_to = $2, accepted_at = $3, updated_at = $3
         WHERE id = $1 AND status = 'Broadcasted' AND $2 = ANY(broadcast_to)
           AND NOT EXISTS (SELECT 1 FROM assignments x WHERE x.assigned_to = $2 AND x.status = 'Assigned')
         RETURNING `+assignmentColumns, id, courierID, at))
	if err == nil {
		return a, nil
	}
	busy := uniqueViolation(err)
	if !busy && !errors.Is(err, store.ErrNotFound) {
		return model.Assignment{}, err
	}
	cur, gerr := s.GetAssignment(ctx, id)
	if gerr != nil {
		return model.Assignment{}, gerr
	}
	if !busy && (!cur.Status.Open() || !cur.Offered(courierID)) {
		return cur, store.ErrStale
	}
	return cur, store.ErrBusy
}

func (s *Store) RemoveCandidate(ctx context.Context, id, courierID string, at time.Time) (model.Assignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`UPDATE assignments SET broadcast_to = array_remove(broadcast_to, $2),
             declined_by = CASE WHEN $2 = ANY(broadcast_to) AND NOT $2 = ANY(declined_by)
                 THEN array_append(declined_by, $2) ELSE declined_by END,
             updated_at = $3
         WHERE id = $1 AND status = 'Broadcasted'
         RETURNING `+assignmentColumns, id, courierID, at))
	if errors.Is(err, store.ErrNotFound) {
		cur, gerr := s.GetAssignment(ctx, id)
		if gerr != nil {
			return model.Assignment{}, gerr
		}
		return cur, store.ErrStale
	}
	return a, err
}

func (s *Store) AddCandidates(ctx context.Context, id string, courierIDs []string, radiusM float64, at time.Time) (model.Assignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`UPDATE assignments
         SET broadcast_to = ARRAY(SELECT DISTINCT unnest(broadcast_to || $2::text[])),
             radius_m = GREATEST(radius_m, $3), updated_at = $4
         WHERE id = $1 AND status = 'Broadcasted'
         RETURNING `+assignmentColumns, id, courierIDs, radiusM, at))
	if errors.Is(err, store.ErrNotFound) {
		cur, gerr := s.GetAssignment(ctx, id)
		if gerr != nil {
			return model.Assignment{}, gerr
		}
		return cur, store.ErrStale
	}
	return a, err
}

func (s *Store) CompleteAssignment(ctx context.Context, id string, at time.Time) (model.Assignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx,
		`UPDATE assignments SET status = 'Completed', assigned_to = NULL, completed_at = $2, updated_at = $2
         WHERE id = $1 AND status = 'Assigned'
         RETURNING `+assignmentColumns, id, at))
	if errors.Is(err, store.ErrNotFound) {
		cur, gerr := s.GetAssignment(ctx, id)
		if gerr != nil {
			return model.Assignment{}, gerr
		}
		return cur, store.ErrStale
	}
	return a, err
}

func (s *Store) BusyCouriers(ctx context.Context, ids []string) (map[string]bool, error) {
	res := map[string]bool{}
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT assigned_to FROM assignments WHERE status = 'Assigned' AND assigned_to = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

func (s *Store) OpenOffersFor(ctx context.Context, courierID string) ([]model.Assignment, error) {
	return s.listAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
         WHERE status = 'Broadcasted' AND $1 = ANY(broadcast_to) ORDER BY created_at`, courierID)
}

func (s *Store) StaleOffers(ctx context.Context, before time.Time) ([]model.Assignment, error) {
	return s.listAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
         WHERE status = 'Broadcasted' AND (created_at < $1 OR cardinality(broadcast_to) = 0)
         ORDER BY created_at`, before)
}

func (s *Store) listAssignments(ctx context.Context, query string, args ...any) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]model.Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *Store) SaveMessage(ctx context.Context, m *model.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, order_id, sender_id, text, sent_time, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.OrderID, m.SenderID, m.Text, m.Time, m.CreatedAt)
	return err
}

func (s *Store) ListMessages(ctx context.Context, orderID string) ([]model.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, sender_id, text, sent_time, created_at FROM messages WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]model.ChatMessage, 0)
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SenderID, &m.Text, &m.Time, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
