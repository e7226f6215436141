package msggate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteTimeLayout is fixed-width so that lexicographic order of stored
// values matches chronological order for UTC instants.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	path      string
	opTimeout time.Duration
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{
		path:      path,
		opTimeout: postgresOperationTimeout,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLiteStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite3", s.path)
		if err != nil {
			s.initErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			return
		}
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY churn under concurrent inserts.
		db.SetMaxOpenConns(1)

		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		defer cancel()
		statements := []string{
			`CREATE TABLE IF NOT EXISTS messages (
				message_id TEXT PRIMARY KEY,
				from_msisdn TEXT NOT NULL,
				to_msisdn TEXT NOT NULL,
				ts TEXT NOT NULL,
				text TEXT,
				received_at TEXT NOT NULL
			)`,
			"CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages (ts)",
			"CREATE INDEX IF NOT EXISTS idx_messages_from ON messages (from_msisdn)",
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) Insert(ctx context.Context, msg Message) (InsertOutcome, error) {
	if strings.TrimSpace(msg.MessageID) == "" {
		return "", ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (message_id, from_msisdn, to_msisdn, ts, text, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.From, msg.To,
		msg.Timestamp.UTC().Format(sqliteTimeLayout),
		nullableText(msg.Text),
		msg.ReceivedAt.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (s *SQLiteStore) Query(ctx context.Context, params QueryParams) ([]Message, int, error) {
	if err := s.ensureReady(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	where, args := sqliteQueryFilter(params)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT message_id, from_msisdn, to_msisdn, ts, text, received_at
		FROM messages `+where+`
		ORDER BY ts ASC, message_id ASC
		LIMIT ? OFFSET ?`, append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	items := make([]Message, 0, params.Limit)
	for rows.Next() {
		var msg Message
		var ts, receivedAt string
		var text sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.From, &msg.To, &ts, &text, &receivedAt); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if msg.Timestamp, err = time.Parse(sqliteTimeLayout, ts); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if msg.ReceivedAt, err = time.Parse(sqliteTimeLayout, receivedAt); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if text.Valid {
			value := text.String
			msg.Text = &value
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed = true
	return items, total, nil
}

func sqliteQueryFilter(params QueryParams) (string, []any) {
	clauses := []string{}
	args := []any{}
	if params.From != "" {
		clauses = append(clauses, "from_msisdn = ?")
		args = append(args, params.From)
	}
	if params.Since != nil {
		clauses = append(clauses, "ts >= ?")
		args = append(args, params.Since.UTC().Format(sqliteTimeLayout))
	}
	if params.Contains != "" {
		// instr is case-sensitive, unlike SQLite's default LIKE.
		clauses = append(clauses, "text IS NOT NULL AND instr(text, ?) > 0")
		args = append(args, params.Contains)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) ComputeStats(ctx context.Context) (Stats, error) {
	if err := s.ensureReady(); err != nil {
		return Stats{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stats := Stats{TopSenders: map[string]int{}}
	var first, last sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT from_msisdn), MIN(ts), MAX(ts) FROM messages").
		Scan(&stats.TotalMessages, &stats.SendersCount, &first, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if first.Valid {
		ts, parseErr := time.Parse(sqliteTimeLayout, first.String)
		if parseErr != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, parseErr)
		}
		stats.FirstTS = &ts
	}
	if last.Valid {
		ts, parseErr := time.Parse(sqliteTimeLayout, last.String)
		if parseErr != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, parseErr)
		}
		stats.LastTS = &ts
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT from_msisdn, COUNT(*) AS cnt
		FROM messages
		GROUP BY from_msisdn
		ORDER BY cnt DESC, from_msisdn ASC
		LIMIT 10`)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var sender string
		var count int
		if err := rows.Scan(&sender, &count); err != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		stats.TopSenders[sender] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed = true
	return stats, nil
}

func (s *SQLiteStore) CheckConnection(ctx context.Context) bool {
	if err := s.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
