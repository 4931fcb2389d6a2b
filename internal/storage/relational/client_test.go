package relational

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hotelrag/backend/internal/storage/models"
)

func openTestClient(t *testing.T) (*Client, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE hotel_bookings (
		hotel TEXT,
		adr REAL,
		last_updated TEXT
	)`)
	if err != nil {
		t.Fatalf("failed to create bookings: %v", err)
	}

	c := NewFromDB(db, "hotel_bookings", "last_updated", time.Second)
	if err := c.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return c, db
}

func floatPtr(f float64) *float64 { return &f }

func TestCurrentWatermarkEmptyTable(t *testing.T) {
	c, _ := openTestClient(t)

	w, err := c.CurrentWatermark(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != 0 {
		t.Errorf("expected 0 for empty table, got %v", w)
	}
}

func TestCurrentWatermarkMaxTimestamp(t *testing.T) {
	c, db := openTestClient(t)
	db.Exec(`INSERT INTO hotel_bookings VALUES ('City Hotel', 100, '2024-01-01 10:00:00')`)
	db.Exec(`INSERT INTO hotel_bookings VALUES ('Resort Hotel', 90, '2024-03-05 08:30:00')`)

	w, err := c.CurrentWatermark(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := float64(time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC).Unix())
	if w != want {
		t.Errorf("expected %v, got %v", want, w)
	}
}

func TestCurrentWatermarkMissingTable(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	c := NewFromDB(db, "hotel_bookings", "last_updated", time.Second)
	_, err = c.CurrentWatermark(context.Background())
	if !errors.Is(err, ErrFreshnessUnavailable) {
		t.Fatalf("expected ErrFreshnessUnavailable, got %v", err)
	}
}

func TestWatermarkValueShapes(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		raw  any
		want float64
	}{
		{"nil", nil, 0},
		{"time", ts, float64(ts.Unix())},
		{"int", int64(1700000000), 1700000000},
		{"float", 12.5, 12.5},
		{"numeric string", "1700000000.5", 1700000000.5},
		{"rfc3339 bytes", []byte("2024-01-02T03:04:05Z"), float64(ts.Unix())},
		{"sql datetime", "2024-01-02 03:04:05", float64(ts.Unix())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := watermarkValue(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := watermarkValue("yesterday"); err == nil {
		t.Error("expected error for unparseable string")
	}
}

func TestRunReport(t *testing.T) {
	c, db := openTestClient(t)
	db.Exec(`INSERT INTO hotel_bookings VALUES ('City Hotel', 100, '2024-01-01')`)
	db.Exec(`INSERT INTO hotel_bookings VALUES ('City Hotel', 50, '2024-01-01')`)
	db.Exec(`INSERT INTO hotel_bookings VALUES ('Resort Hotel', 80, '2024-01-01')`)

	cols, rows, err := c.RunReport(context.Background(),
		`SELECT hotel, SUM(adr) AS total FROM hotel_bookings GROUP BY hotel ORDER BY total DESC`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols) != 2 || cols[0] != "hotel" || cols[1] != "total" {
		t.Fatalf("unexpected columns %v", cols)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "City Hotel" || rows[0][1] != 150.0 {
		t.Errorf("unexpected first row %v", rows[0])
	}
}

func TestReportValue(t *testing.T) {
	tests := []struct {
		name   string
		dbType string
		in     any
		want   any
	}{
		{"numeric text", "NUMERIC", "37.04", 37.04},
		{"numeric bytes", "NUMERIC", []byte("104.5"), 104.5},
		{"decimal", "DECIMAL", "12", 12.0},
		{"numeric nan stays text", "NUMERIC", "NaN", "NaN"},
		{"varchar bytes", "VARCHAR", []byte("City Hotel"), "City Hotel"},
		{"text stays text", "TEXT", "42", "42"},
		{"float untouched", "FLOAT8", 3.5, 3.5},
		{"int untouched", "INT8", int64(7), int64(7)},
		{"null", "NUMERIC", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reportValue(tt.dbType, tt.in); got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRunReportNumericColumn(t *testing.T) {
	c, db := openTestClient(t)
	if _, err := db.Exec(`CREATE TABLE rates (hotel TEXT, cancellation_rate NUMERIC)`); err != nil {
		t.Fatal(err)
	}
	db.Exec(`INSERT INTO rates VALUES ('City Hotel', 41.73)`)

	_, rows, err := c.RunReport(context.Background(), `SELECT hotel, cancellation_rate FROM rates`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0][1] != 41.73 {
		t.Errorf("numeric column must be a number, got %#v", rows)
	}
}

func TestRunReportError(t *testing.T) {
	c, _ := openTestClient(t)
	if _, _, err := c.RunReport(context.Background(), `SELECT nope FROM missing`); err == nil {
		t.Fatal("expected error for invalid SQL")
	}
}

func TestAnswerStoreRoundTrip(t *testing.T) {
	c, _ := openTestClient(t)
	ctx := context.Background()

	got, err := c.LookupAnswer(ctx, "What was revenue in 2017?")
	if err != nil || got != nil {
		t.Fatalf("expected miss, got %v, %v", got, err)
	}

	rec := &models.QueryRecord{
		ID:                "q1",
		UserQuery:         "What was revenue in 2017?",
		GeneratedResponse: "Revenue was high.",
		FaithfulnessScore: floatPtr(0.75),
		LatencyMS:         1200,
		CreatedAt:         time.Unix(1700000000, 0),
	}
	inserted, err := c.StoreAnswer(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got %v, %v", inserted, err)
	}

	got, err = c.LookupAnswer(ctx, "What was revenue in 2017?")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.GeneratedResponse != "Revenue was high." || got.FaithfulnessScore == nil || *got.FaithfulnessScore != 0.75 {
		t.Errorf("unexpected record %+v", got)
	}

	if got, _ := c.LookupAnswer(ctx, "what was revenue in 2017?"); got != nil {
		t.Error("lookup must be an exact string match")
	}
}

func TestStoreAnswerFirstWriteWins(t *testing.T) {
	c, _ := openTestClient(t)
	ctx := context.Background()

	first := &models.QueryRecord{ID: "a", UserQuery: "q", GeneratedResponse: "first", CreatedAt: time.Now()}
	second := &models.QueryRecord{ID: "b", UserQuery: "q", GeneratedResponse: "second", FaithfulnessScore: floatPtr(1), CreatedAt: time.Now()}

	if ok, err := c.StoreAnswer(ctx, first); err != nil || !ok {
		t.Fatalf("first insert: %v, %v", ok, err)
	}
	if ok, err := c.StoreAnswer(ctx, second); err != nil || ok {
		t.Fatalf("second insert should be ignored: %v, %v", ok, err)
	}

	got, err := c.LookupAnswer(ctx, "q")
	if err != nil {
		t.Fatal(err)
	}
	if got.GeneratedResponse != "first" || got.FaithfulnessScore != nil {
		t.Errorf("expected first write to survive, got %+v", got)
	}
}

func TestRecentAnswers(t *testing.T) {
	c, _ := openTestClient(t)
	ctx := context.Background()

	c.StoreAnswer(ctx, &models.QueryRecord{ID: "1", UserQuery: "old", GeneratedResponse: "a", CreatedAt: time.Unix(100, 0)})
	c.StoreAnswer(ctx, &models.QueryRecord{ID: "2", UserQuery: "new", GeneratedResponse: "b", CreatedAt: time.Unix(200, 0)})

	recs, err := c.RecentAnswers(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].UserQuery != "new" {
		t.Errorf("expected newest record, got %+v", recs)
	}
}
