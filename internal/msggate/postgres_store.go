package msggate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresMessagesTableName = "messages"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn       string
	tableName string
	opTimeout time.Duration
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresMessagesTableName,
		opTimeout: postgresOperationTimeout,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		defer cancel()

		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				message_id TEXT PRIMARY KEY,
				from_msisdn TEXT NOT NULL,
				to_msisdn TEXT NOT NULL,
				ts TIMESTAMPTZ NOT NULL,
				text TEXT,
				received_at TIMESTAMPTZ NOT NULL
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			return
		}
		for _, stmt := range []string{
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (ts)",
				quoteIdentifier(s.tableName+"_ts_idx"), quoteIdentifier(s.tableName)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (from_msisdn)",
				quoteIdentifier(s.tableName+"_from_idx"), quoteIdentifier(s.tableName)),
		} {
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

// Insert relies on the primary key for dedup: ON CONFLICT DO NOTHING keeps
// the first stored row untouched and reports a duplicate via the affected
// row count, so two concurrent inserts of one id resolve inside Postgres.
func (s *PostgresStore) Insert(ctx context.Context, msg Message) (InsertOutcome, error) {
	if strings.TrimSpace(msg.MessageID) == "" {
		return "", ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, from_msisdn, to_msisdn, ts, text, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING`, quoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query,
		msg.MessageID, msg.From, msg.To, msg.Timestamp.UTC(), nullableText(msg.Text), msg.ReceivedAt.UTC())
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

func (s *PostgresStore) Query(ctx context.Context, params QueryParams) ([]Message, int, error) {
	if err := s.ensureReady(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	where, args := postgresQueryFilter(params)

	// Count and page run in one read-only transaction so total is computed
	// against the same snapshot as the returned rows.
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

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", quoteIdentifier(s.tableName), where)
	var total int
	if err := tx.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	dataQuery := fmt.Sprintf(`
		SELECT message_id, from_msisdn, to_msisdn, ts, text, received_at
		FROM %s %s
		ORDER BY ts ASC, message_id ASC
		LIMIT $%d OFFSET $%d`, quoteIdentifier(s.tableName), where, len(args)+1, len(args)+2)
	rows, err := tx.QueryContext(ctx, dataQuery, append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	items := make([]Message, 0, params.Limit)
	for rows.Next() {
		var msg Message
		var text sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.From, &msg.To, &msg.Timestamp, &text, &msg.ReceivedAt); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if text.Valid {
			value := text.String
			msg.Text = &value
		}
		msg.Timestamp = msg.Timestamp.UTC()
		msg.ReceivedAt = msg.ReceivedAt.UTC()
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

func postgresQueryFilter(params QueryParams) (string, []any) {
	clauses := []string{}
	args := []any{}
	if params.From != "" {
		args = append(args, params.From)
		clauses = append(clauses, fmt.Sprintf("from_msisdn = $%d", len(args)))
	}
	if params.Since != nil {
		args = append(args, params.Since.UTC())
		clauses = append(clauses, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if params.Contains != "" {
		args = append(args, "%"+escapeLike(params.Contains)+"%")
		clauses = append(clauses, fmt.Sprintf("text LIKE $%d ESCAPE '\\'", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) ComputeStats(ctx context.Context) (Stats, error) {
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
	table := quoteIdentifier(s.tableName)

	summary := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(DISTINCT from_msisdn), MIN(ts), MAX(ts) FROM %s", table)
	var first, last sql.NullTime
	if err := tx.QueryRowContext(ctx, summary).Scan(&stats.TotalMessages, &stats.SendersCount, &first, &last); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if first.Valid {
		ts := first.Time.UTC()
		stats.FirstTS = &ts
	}
	if last.Valid {
		ts := last.Time.UTC()
		stats.LastTS = &ts
	}

	topQuery := fmt.Sprintf(`
		SELECT from_msisdn, COUNT(*) AS cnt
		FROM %s
		GROUP BY from_msisdn
		ORDER BY cnt DESC, from_msisdn ASC
		LIMIT 10`, table)
	rows, err := tx.QueryContext(ctx, topQuery)
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

func (s *PostgresStore) CheckConnection(ctx context.Context) bool {
	if err := s.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableText(text *string) any {
	if text == nil {
		return nil
	}
	return *text
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
