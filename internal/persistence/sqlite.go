package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			label TEXT,
			instrument TEXT,
			kind TEXT NOT NULL,
			family TEXT NOT NULL,
			message TEXT,
			timestamp DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order_id ON order_events(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_timestamp ON order_events(timestamp)`,

		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			instrument TEXT NOT NULL,
			side INTEGER NOT NULL,
			state INTEGER NOT NULL,
			amount TEXT NOT NULL,
			open_price TEXT NOT NULL,
			stop_loss TEXT NOT NULL,
			take_profit TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state)`,

		`CREATE TABLE IF NOT EXISTS task_records (
			id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			events TEXT NOT NULL DEFAULT '[]',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_records_status ON task_records(status)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveEvent appends an event to the journal.
func (r *SQLiteRepository) SaveEvent(ctx context.Context, event EventRecord) error {
	query := `INSERT INTO order_events (order_id, label, instrument, kind, family, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		event.OrderID,
		event.Label,
		event.Instrument,
		event.Kind,
		event.Family,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// GetOrderEvents returns the events of one order in journal order.
func (r *SQLiteRepository) GetOrderEvents(ctx context.Context, orderID string) ([]EventRecord, error) {
	query := `SELECT id, order_id, label, instrument, kind, family, message, timestamp
		FROM order_events WHERE order_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetEvents returns the events journaled in a time range.
func (r *SQLiteRepository) GetEvents(ctx context.Context, from, to time.Time) ([]EventRecord, error) {
	query := `SELECT id, order_id, label, instrument, kind, family, message, timestamp
		FROM order_events WHERE timestamp BETWEEN ? AND ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]EventRecord, error) {
	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var label, instrument, message sql.NullString

		if err := rows.Scan(&e.ID, &e.OrderID, &label, &instrument, &e.Kind, &e.Family, &message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		e.Label = label.String
		e.Instrument = instrument.String
		e.Message = message.String
		events = append(events, e)
	}

	return events, rows.Err()
}

// SaveOrder stores the latest snapshot of an order.
func (r *SQLiteRepository) SaveOrder(ctx context.Context, order OrderSnapshot) error {
	query := `INSERT OR REPLACE INTO orders
		(order_id, label, instrument, side, state, amount, open_price, stop_loss, take_profit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		order.OrderID,
		order.Label,
		order.Instrument,
		order.Side,
		order.State,
		order.Amount.String(),
		order.OpenPrice.String(),
		order.StopLoss.String(),
		order.TakeProfit.String(),
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

// GetOrder returns the snapshot of an order, or nil if unknown.
func (r *SQLiteRepository) GetOrder(ctx context.Context, orderID string) (*OrderSnapshot, error) {
	query := `SELECT order_id, label, instrument, side, state, amount, open_price, stop_loss, take_profit, updated_at
		FROM orders WHERE order_id = ?`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// GetLiveOrders returns the snapshots of orders not yet closed or cancelled.
func (r *SQLiteRepository) GetLiveOrders(ctx context.Context) ([]OrderSnapshot, error) {
	query := `SELECT order_id, label, instrument, side, state, amount, open_price, stop_loss, take_profit, updated_at
		FROM orders WHERE state NOT IN (?, ?) ORDER BY updated_at`

	rows, err := r.db.QueryContext(ctx, query, types.OrderStateClosed, types.OrderStateCanceled)
	if err != nil {
		return nil, fmt.Errorf("query live orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]OrderSnapshot, error) {
	var orders []OrderSnapshot
	for rows.Next() {
		var o OrderSnapshot
		var amount, openPrice, stopLoss, takeProfit string

		if err := rows.Scan(&o.OrderID, &o.Label, &o.Instrument, &o.Side, &o.State, &amount, &openPrice, &stopLoss, &takeProfit, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		o.Amount, _ = decimal.NewFromString(amount)
		o.OpenPrice, _ = decimal.NewFromString(openPrice)
		o.StopLoss, _ = decimal.NewFromString(stopLoss)
		o.TakeProfit, _ = decimal.NewFromString(takeProfit)

		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// SaveTask inserts or updates a task record.
func (r *SQLiteRepository) SaveTask(ctx context.Context, task TaskRecord) error {
	events := task.Events
	if events == nil {
		events = []EventSummary{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode task events: %w", err)
	}

	query := `INSERT OR REPLACE INTO task_records (id, operation, status, error, events, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		task.ID,
		task.Operation,
		string(task.Status),
		task.Error,
		string(payload),
		task.StartedAt,
		task.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	return nil
}

// GetTask returns a task record, or nil if unknown.
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	query := `SELECT id, operation, status, error, events, started_at, finished_at
		FROM task_records WHERE id = ?`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// GetTasksByStatus returns the most recent tasks with status.
func (r *SQLiteRepository) GetTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]TaskRecord, error) {
	query := `SELECT id, operation, status, error, events, started_at, finished_at
		FROM task_records WHERE status = ? ORDER BY started_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]TaskRecord, error) {
	var tasks []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var status, payload string
		var errText sql.NullString
		var finishedAt sql.NullTime

		if err := rows.Scan(&t.ID, &t.Operation, &status, &errText, &payload, &t.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		t.Status = TaskStatus(status)
		t.Error = errText.String
		if finishedAt.Valid {
			ts := finishedAt.Time
			t.FinishedAt = &ts
		}
		if err := json.Unmarshal([]byte(payload), &t.Events); err != nil {
			return nil, fmt.Errorf("decode task events: %w", err)
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
