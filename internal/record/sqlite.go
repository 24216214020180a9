package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/CardFlight/payment-agent/internal/errs"
)

// SQLiteStore keeps records in a SQLite database. The full record is stored
// as JSON next to the columns that are queried.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}

	// modernc.org/sqlite applies connection pragmas only through _pragma
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open record database: %w", err)
	}
	// a single connection serializes writers
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize record schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transaction_records (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			api_state TEXT NOT NULL,
			type TEXT NOT NULL,
			parent_id TEXT,
			created_at INTEGER NOT NULL,           -- unix nanoseconds
			data TEXT NOT NULL                     -- JSON record
		);

		CREATE INDEX IF NOT EXISTS idx_records_merchant ON transaction_records(merchant_id);
		CREATE INDEX IF NOT EXISTS idx_records_created_at ON transaction_records(created_at);
		CREATE INDEX IF NOT EXISTS idx_records_parent ON transaction_records(parent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return errs.New(errs.CodeInvalidArgument, "record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	var parent sql.NullString
	if rec.ParentID != "" {
		parent = sql.NullString{String: rec.ParentID, Valid: true}
	}

	query := `
		INSERT OR REPLACE INTO transaction_records (id, merchant_id, api_state, type, parent_id, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.MerchantAccountID, rec.APIState.String(), rec.Type.String(),
		parent, rec.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "failed to store record")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM transaction_records WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "failed to load record")
	}
	return decodeRecord(data)
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	var where []string
	var args []any
	if opts.MerchantAccountID != "" {
		where = append(where, "merchant_id = ?")
		args = append(args, opts.MerchantAccountID)
	}
	if opts.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, opts.ParentID)
	}

	query := `SELECT data FROM transaction_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, opts.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "failed to list records")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, err, "failed to scan record")
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "failed to list records")
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRecord(data string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "corrupt record")
	}
	return &rec, nil
}
