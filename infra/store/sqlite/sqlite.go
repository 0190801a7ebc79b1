// Package sqlite is the embedded store backend built on modernc.org/sqlite.
// The pool is limited to one connection so every statement is serialized;
// status transitions are single conditional UPDATE statements.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nexora/dispatch/core/factory"
	"github.com/nexora/dispatch/core/model"
	"github.com/nexora/dispatch/core/store"
)

// Config selects the database file.
type Config struct {
	Path string `json:"path"`
}

func init() {
	_ = store.Register("sqlite", func(conf map[string]any) (store.Store, error) {
		var c Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			c.Path = "dispatch.db"
		}
		return Open(c.Path)
	})
}

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- orders

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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, customer_id, status, assignment_id, assigned_courier_id, delivery_otp, body, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CustomerID, string(o.Status), o.AssignmentID, o.AssignedCourierID, o.DeliveryOTP, string(body), nanos(o.CreatedAt), nanos(o.UpdatedAt))
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (model.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

func (s *Store) AdvanceOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (model.Order, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nanos(time.Now().UTC()), id, string(from))
	if err != nil {
		return model.Order{}, err
	}
	return s.afterOrderWrite(ctx, id, res)
}

func (s *Store) SetOrderOTP(ctx context.Context, id, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET delivery_otp = ?, updated_at = ? WHERE id = ? AND status = ?`,
		code, nanos(time.Now().UTC()), id, string(model.OrderOutForDelivery))
	if err != nil {
		return err
	}
	_, err = s.afterOrderWrite(ctx, id, res)
	return err
}

// DeliverOrder rewrites the body, so the guarded UPDATE carries the status
// read alongside it.
func (s *Store) DeliverOrder(ctx context.Context, id string, at time.Time) (model.Order, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	if o.Status != model.OrderOutForDelivery {
		return o, store.ErrStale
	}
	o.MarkDelivered(at)
	o.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(o)
	if err != nil {
		return model.Order{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, delivery_otp = '', body = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(o.Status), string(body), nanos(o.UpdatedAt), id, string(model.OrderOutForDelivery))
	if err != nil {
		return model.Order{}, err
	}
	return s.afterOrderWrite(ctx, id, res)
}

// afterOrderWrite reloads the order after a guarded UPDATE. No affected
// row means the guard failed, or the order does not exist.
func (s *Store) afterOrderWrite(ctx context.Context, id string, res sql.Result) (model.Order, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return o, store.ErrStale
	}
	return o, nil
}

func (s *Store) SetOrderAssignment(ctx context.Context, orderID, assignmentID, courierID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET assignment_id = ?, assigned_courier_id = ?, updated_at = ? WHERE id = ?`,
		assignmentID, courierID, nanos(time.Now().UTC()), orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	var args []any
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	if f.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, f.CustomerID)
	}
	if f.AssignedCourierID != "" {
		query += ` AND assigned_courier_id = ?`
		args = append(args, f.AssignedCourierID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.ExcludeStatus != "" {
		query += ` AND status <> ?`
		args = append(args, string(f.ExcludeStatus))
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

type scanner interface{ Scan(dest ...any) error }

// orderColumns lists the body plus the columns that override it.
const orderColumns = `body, status, delivery_otp, assignment_id, assigned_courier_id, updated_at`

func scanOrder(row scanner) (model.Order, error) {
	var (
		body, status, otp, assignmentID, courierID string
		updated                                    int64
	)
	if err := row.Scan(&body, &status, &otp, &assignmentID, &courierID, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, store.ErrNotFound
		}
		return model.Order{}, err
	}
	var o model.Order
	if err := json.Unmarshal([]byte(body), &o); err != nil {
		return model.Order{}, fmt.Errorf("decode order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	o.DeliveryOTP = otp
	o.AssignmentID = assignmentID
	o.AssignedCourierID = courierID
	o.UpdatedAt = fromNanos(updated)
	return o, nil
}

// --- users

const userColumns = `id, name, email, mobile, role, online, connection_id, lat, lon, location_updated_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.UpdatedAt = time.Now().UTC()
	var conn any
	if u.ConnectionID != "" {
		conn = u.ConnectionID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.Mobile, string(u.Role), u.Online, conn,
		u.Location.Latitude, u.Location.Longitude, nanos(u.LocationUpdatedAt), nanos(u.UpdatedAt))
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func scanUser(row scanner) (model.User, error) {
	var (
		u       model.User
		role    string
		conn    sql.NullString
		locAt   int64
		updated int64
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Mobile, &role, &u.Online, &conn,
		&u.Location.Latitude, &u.Location.Longitude, &locAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, store.ErrNotFound
		}
		return model.User{}, err
	}
	u.Role = model.Role(role)
	u.ConnectionID = conn.String
	u.LocationUpdatedAt = fromNanos(locAt)
	u.UpdatedAt = fromNanos(updated)
	return u, nil
}

func (s *Store) SetPresence(ctx context.Context, userID, connID string) error {
	// a handle belongs to one user; release it from any stale holder first
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET online = 0, connection_id = NULL WHERE connection_id = ? AND id <> ?`, connID, userID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET online = 1, connection_id = ?, updated_at = ? WHERE id = ?`,
		connID, nanos(time.Now()), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClearPresence(ctx context.Context, connID string) (model.User, error) {
	if connID == "" {
		return model.User{}, store.ErrNotFound
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE connection_id = ?`, connID))
	if err != nil {
		return model.User{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET online = 0, connection_id = NULL, updated_at = ? WHERE id = ? AND connection_id = ?`,
		nanos(time.Now()), u.ID, connID)
	if err != nil {
		return model.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.User{}, store.ErrNotFound
	}
	u.Online = false
	u.ConnectionID = ""
	return u, nil
}

func (s *Store) UpdateLocation(ctx context.Context, userID string, p model.GeoPoint, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET lat = ?, lon = ?, location_updated_at = ? WHERE id = ?`,
		p.Latitude, p.Longitude, nanos(at), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) OnlineCouriers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
         WHERE role = ? AND online = 1 AND connection_id IS NOT NULL AND NOT (lat = 0 AND lon = 0)
         ORDER BY id`, string(model.RoleCourier))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

// --- assignments

const assignmentColumns = `id, order_id, status, assigned_to, radius_m, accepted_at, completed_at, created_at, updated_at`

func (s *Store) CreateAssignment(ctx context.Context, a *model.Assignment) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = model.AssignmentBroadcasted
	a.AssignedTo = ""
	a.CreatedAt = now
	a.UpdatedAt = now
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO assignments (id, order_id, status, radius_m, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrderID, string(a.Status), a.RadiusM, nanos(now), nanos(now))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	for _, c := range a.BroadcastTo {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO assignment_candidates (assignment_id, courier_id) VALUES (?, ?)`, a.ID, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	return s.loadAssignment(ctx, s.db, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id)
}

func (s *Store) OpenAssignmentForOrder(ctx context.Context, orderID string) (model.Assignment, error) {
	return s.loadAssignment(ctx, s.db,
		`SELECT `+assignmentColumns+` FROM assignments WHERE order_id = ? AND status IN ('Broadcasted', 'Assigned')`, orderID)
}

func (s *Store) ActiveAssignmentFor(ctx context.Context, courierID string) (model.Assignment, error) {
	return s.loadAssignment(ctx, s.db,
		`SELECT `+assignmentColumns+` FROM assignments WHERE assigned_to = ? AND status = 'Assigned'`, courierID)
}

func (s *Store) ClaimAssignment(ctx context.Context, id, courierID string, at time.Time) (model.Assignment, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET status = 'Assigned', assigned_to = ?, accepted_at = ?, updated_at = ?
         WHERE id = ? AND status = 'Broadcasted'
           AND EXISTS (SELECT 1 FROM assignment_candidates WHERE assignment_id = ? AND courier_id = ?)
           AND NOT EXISTS (SELECT 1 FROM assignments WHERE assigned_to = ? AND status = 'Assigned')`,
		courierID, nanos(at), nanos(at), id, id, courierID, courierID)
	if err != nil && !isUniqueViolation(err) {
		return model.Assignment{}, err
	}
	a, lerr := s.GetAssignment(ctx, id)
	if lerr != nil {
		return model.Assignment{}, lerr
	}
	if err != nil {
		return a, store.ErrBusy
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return a, nil
	}
	if !a.Status.Open() || !a.Offered(courierID) {
		return a, store.ErrStale
	}
	return a, store.ErrBusy
}

func (s *Store) RemoveCandidate(ctx context.Context, id, courierID string, at time.Time) (model.Assignment, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM assignment_candidates WHERE assignment_id = ? AND courier_id = ?
           AND EXISTS (SELECT 1 FROM assignments WHERE id = ? AND status = 'Broadcasted')`,
		id, courierID, id)
	if err != nil {
		return model.Assignment{}, err
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO assignment_declines (assignment_id, courier_id) VALUES (?, ?)`, id, courierID); err != nil {
			return model.Assignment{}, err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE assignments SET updated_at = ? WHERE id = ?`, nanos(at), id); err != nil {
			return model.Assignment{}, err
		}
	}
	a, err := s.GetAssignment(ctx, id)
	if err != nil {
		return model.Assignment{}, err
	}
	if removed == 0 && !a.Status.Open() {
		return a, store.ErrStale
	}
	return a, nil
}

func (s *Store) AddCandidates(ctx context.Context, id string, courierIDs []string, radiusM float64, at time.Time) (model.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Assignment{}, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx,
		`UPDATE assignments SET radius_m = MAX(radius_m, ?), updated_at = ? WHERE id = ? AND status = 'Broadcasted'`,
		radiusM, nanos(at), id)
	if err != nil {
		return model.Assignment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		a, err := s.loadAssignment(ctx, tx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id)
		if err != nil {
			return model.Assignment{}, err
		}
		return a, store.ErrStale
	}
	for _, c := range courierIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO assignment_candidates (assignment_id, courier_id) VALUES (?, ?)`, id, c); err != nil {
			return model.Assignment{}, err
		}
	}
	a, err := s.loadAssignment(ctx, tx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id)
	if err != nil {
		return model.Assignment{}, err
	}
	return a, tx.Commit()
}

func (s *Store) CompleteAssignment(ctx context.Context, id string, at time.Time) (model.Assignment, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET status = 'Completed', assigned_to = NULL, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = 'Assigned'`, nanos(at), nanos(at), id)
	if err != nil {
		return model.Assignment{}, err
	}
	a, err := s.GetAssignment(ctx, id)
	if err != nil {
		return model.Assignment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return a, store.ErrStale
	}
	return a, nil
}

func (s *Store) BusyCouriers(ctx context.Context, ids []string) (map[string]bool, error) {
	res := map[string]bool{}
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT assigned_to FROM assignments WHERE status = 'Assigned' AND assigned_to IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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
		`SELECT `+prefixed("a.", assignmentColumns)+` FROM assignments a
         JOIN assignment_candidates c ON c.assignment_id = a.id
         WHERE a.status = 'Broadcasted' AND c.courier_id = ? ORDER BY a.created_at`, courierID)
}

func (s *Store) StaleOffers(ctx context.Context, before time.Time) ([]model.Assignment, error) {
	return s.listAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
         WHERE status = 'Broadcasted'
           AND (created_at < ? OR NOT EXISTS (SELECT 1 FROM assignment_candidates WHERE assignment_id = assignments.id))
         ORDER BY created_at`, nanos(before))
}

func (s *Store) listAssignments(ctx context.Context, query string, args ...any) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	res := make([]model.Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		res = append(res, a)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, err
	}
	// the single pooled connection is free again once rows are closed
	for i := range res {
		if res[i].BroadcastTo, err = s.candidates(ctx, s.db, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].DeclinedBy, err = s.declines(ctx, s.db, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *Store) loadAssignment(ctx context.Context, q queryer, query string, args ...any) (model.Assignment, error) {
	a, err := scanAssignment(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return model.Assignment{}, err
	}
	if a.BroadcastTo, err = s.candidates(ctx, q, a.ID); err != nil {
		return model.Assignment{}, err
	}
	a.DeclinedBy, err = s.declines(ctx, q, a.ID)
	return a, err
}

func (s *Store) candidates(ctx context.Context, q queryer, id string) ([]string, error) {
	return s.couriers(ctx, q, `SELECT courier_id FROM assignment_candidates WHERE assignment_id = ? ORDER BY courier_id`, id)
}

func (s *Store) declines(ctx context.Context, q queryer, id string) ([]string, error) {
	res, err := s.couriers(ctx, q, `SELECT courier_id FROM assignment_declines WHERE assignment_id = ? ORDER BY courier_id`, id)
	if len(res) == 0 {
		return nil, err
	}
	return res, err
}

func (s *Store) couriers(ctx context.Context, q queryer, query, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	res := make([]string, 0)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanAssignment(row scanner) (model.Assignment, error) {
	var (
		a                    model.Assignment
		status               string
		assigned             sql.NullString
		accepted, completed  sql.NullInt64
		created, updatedNano int64
	)
	err := row.Scan(&a.ID, &a.OrderID, &status, &assigned, &a.RadiusM, &accepted, &completed, &created, &updatedNano)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Assignment{}, store.ErrNotFound
		}
		return model.Assignment{}, err
	}
	a.Status = model.AssignmentStatus(status)
	a.AssignedTo = assigned.String
	a.AcceptedAt = nullTime(accepted)
	a.CompletedAt = nullTime(completed)
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updatedNano)
	return a, nil
}

// --- messages

func (s *Store) SaveMessage(ctx context.Context, m *model.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, order_id, sender_id, text, sent_time, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.OrderID, m.SenderID, m.Text, m.Time, nanos(m.CreatedAt))
	return err
}

func (s *Store) ListMessages(ctx context.Context, orderID string) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, sender_id, text, sent_time, created_at FROM messages WHERE order_id = ? ORDER BY created_at, rowid`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	res := make([]model.ChatMessage, 0)
	for rows.Next() {
		var (
			m       model.ChatMessage
			created int64
		)
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SenderID, &m.Text, &m.Time, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromNanos(created)
		res = append(res, m)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ", ")
	for i := range parts {
		parts[i] = prefix + parts[i]
	}
	return strings.Join(parts, ", ")
}
