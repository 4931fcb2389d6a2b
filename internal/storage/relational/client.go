package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hotelrag/backend/internal/storage/models"
	"github.com/hotelrag/backend/pkg/logger"
)

var (
	ErrFreshnessUnavailable = errors.New("freshness watermark unavailable")
	ErrAnswerStore          = errors.New("answer store unavailable")
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

type Options struct {
	Driver          string
	DSN             string
	BookingsTable   string
	WatermarkColumn string
	Timeout         time.Duration
	MaxOpenConns    int
}

// Client is the relational store: read-only report execution and the
// watermark over the bookings table, read/append on query_history.
type Client struct {
	db             *sql.DB
	timeout        time.Duration
	watermarkQuery string
}

func NewClient(opts Options) (*Client, error) {
	if !identPattern.MatchString(opts.BookingsTable) || !identPattern.MatchString(opts.WatermarkColumn) {
		return nil, fmt.Errorf("invalid watermark source %q.%q", opts.BookingsTable, opts.WatermarkColumn)
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if opts.Driver == "sqlite3" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	logger.Info("Relational client initialized",
		zap.String("driver", opts.Driver),
		zap.String("bookings_table", opts.BookingsTable),
	)

	return &Client{
		db:             db,
		timeout:        timeout,
		watermarkQuery: fmt.Sprintf("SELECT MAX(%s) FROM %s", opts.WatermarkColumn, opts.BookingsTable),
	}, nil
}

// NewFromDB wraps an already-open handle. Used by tests.
func NewFromDB(db *sql.DB, bookingsTable, watermarkColumn string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		db:             db,
		timeout:        timeout,
		watermarkQuery: fmt.Sprintf("SELECT MAX(%s) FROM %s", watermarkColumn, bookingsTable),
	}
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.db.PingContext(ctx)
}

// InitSchema creates query_history. The bookings table is owned by the
// loader and never touched here.
func (c *Client) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS query_history (
			id TEXT PRIMARY KEY,
			user_query TEXT NOT NULL,
			generated_response TEXT NOT NULL,
			faithfulness_score DOUBLE PRECISION,
			latency_ms INTEGER,
			created_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_query_history_user_query ON query_history(user_query)`,
		`CREATE INDEX IF NOT EXISTS idx_query_history_created ON query_history(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logger.Info("Relational schema initialized")
	return nil
}

// CurrentWatermark returns MAX(last_updated) over the bookings table as
// Unix seconds. An empty table yields 0.
func (c *Client) CurrentWatermark(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw any
	if err := c.db.QueryRowContext(ctx, c.watermarkQuery).Scan(&raw); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFreshnessUnavailable, err)
	}

	w, err := watermarkValue(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFreshnessUnavailable, err)
	}
	return w, nil
}

var watermarkLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func watermarkValue(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case time.Time:
		return float64(v.UnixNano()) / float64(time.Second), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case []byte:
		return parseWatermark(string(v))
	case string:
		return parseWatermark(v)
	default:
		return 0, fmt.Errorf("unsupported watermark type %T", raw)
	}
}

func parseWatermark(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	for _, layout := range watermarkLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return float64(t.UnixNano()) / float64(time.Second), nil
		}
	}
	return 0, fmt.Errorf("unparseable watermark %q", s)
}

// RunReport executes a read-only statement and returns column names and
// row values. []byte values are returned as strings and NUMERIC/DECIMAL
// values as float64.
func (c *Client) RunReport(ctx context.Context, query string) ([]string, [][]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, err
	}
	dbTypes := make([]string, len(types))
	for i, ct := range types {
		dbTypes[i] = strings.ToUpper(ct.DatabaseTypeName())
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			values[i] = reportValue(dbTypes[i], v)
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return columns, out, nil
}

// reportValue normalises a scanned value for JSON. The pgx stdlib driver
// hands NUMERIC over as its decimal text.
func reportValue(dbType string, v any) any {
	var text string
	switch x := v.(type) {
	case []byte:
		text = string(x)
	case string:
		text = x
	default:
		return v
	}

	switch dbType {
	case "NUMERIC", "DECIMAL":
		f, err := strconv.ParseFloat(text, 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return text
}

// LookupAnswer finds the stored answer for an exact question string.
// A miss returns nil, nil.
func (c *Client) LookupAnswer(ctx context.Context, question string) (*models.QueryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := `SELECT id, user_query, generated_response, faithfulness_score, latency_ms, created_at
		FROM query_history WHERE user_query = $1`

	var r models.QueryRecord
	var score sql.NullFloat64
	var latency sql.NullInt64
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, question).Scan(
		&r.ID,
		&r.UserQuery,
		&r.GeneratedResponse,
		&score,
		&latency,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup: %w", ErrAnswerStore, err)
	}

	if score.Valid {
		s := score.Float64
		r.FaithfulnessScore = &s
	}
	r.LatencyMS = int(latency.Int64)
	r.CreatedAt = time.Unix(createdAt, 0)

	return &r, nil
}

// StoreAnswer appends a record. An existing row for the same question
// wins; inserted reports whether this call wrote the row.
func (c *Client) StoreAnswer(ctx context.Context, record *models.QueryRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := `INSERT INTO query_history (id, user_query, generated_response, faithfulness_score, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_query) DO NOTHING`

	var score sql.NullFloat64
	if record.FaithfulnessScore != nil {
		score = sql.NullFloat64{Float64: *record.FaithfulnessScore, Valid: true}
	}

	res, err := c.db.ExecContext(ctx, query,
		record.ID,
		record.UserQuery,
		record.GeneratedResponse,
		score,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert: %w", ErrAnswerStore, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %w", ErrAnswerStore, err)
	}

	if n == 0 {
		logger.Info("Answer already stored, keeping first write", zap.String("query", record.UserQuery))
		return false, nil
	}

	logger.Info("Answer stored",
		zap.String("query_id", record.ID),
		zap.String("query", record.UserQuery),
		zap.Bool("scored", record.FaithfulnessScore != nil),
	)
	return true, nil
}

// RecentAnswers lists the newest query_history rows.
func (c *Client) RecentAnswers(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := `SELECT id, user_query, generated_response, faithfulness_score, latency_ms, created_at
		FROM query_history
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %w", ErrAnswerStore, err)
	}
	defer rows.Close()

	records := make([]models.QueryRecord, 0)
	for rows.Next() {
		var r models.QueryRecord
		var score sql.NullFloat64
		var latency sql.NullInt64
		var createdAt int64

		if err := rows.Scan(&r.ID, &r.UserQuery, &r.GeneratedResponse, &score, &latency, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if score.Valid {
			s := score.Float64
			r.FaithfulnessScore = &s
		}
		r.LatencyMS = int(latency.Int64)
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}
