package segmentation

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/cache"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var segmentRowColumns = []string{
	"id", "organization_id", "list_id", "name", "conditions",
	"subscriber_count", "last_calculated_at", "created_at", "updated_at",
}

func TestEngine_Size(t *testing.T) {
	db, mock := setupTestDB(t)
	e := NewEngine(db, DefaultOptions(), nil)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT COUNT(*) FROM mailing_subscribers s WHERE s.organization_id = $1 AND s.list_id = $2 AND ((s.total_clicks > $3))")).
		WithArgs("org-1", "list-1", float64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := e.Size(context.Background(), "org-1", "list-1", Tree{Groups: []Group{and(
		EngagementCondition{Metric: "total_clicks", Operator: OpGreaterThan, Value: 2},
	)}})
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 42 {
		t.Errorf("Size = %d, want 42", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEngine_SubscriberIDs_UnionsSegments(t *testing.T) {
	db, mock := setupTestDB(t)
	e := NewEngine(db, DefaultOptions(), nil)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM mailing_segments WHERE organization_id = $1 AND id = ANY($2::uuid[])")).
		WillReturnRows(sqlmock.NewRows(segmentRowColumns).
			AddRow("seg-a", "org-1", "list-1", "Openers",
				`{"groups":[{"conditions":[{"type":"engagement","field":"total_opens","operator":"greater_than","value":0}]}]}`,
				10, nil, now, now).
			AddRow("seg-b", "org-1", "", "Pro plan",
				`{"groups":[{"conditions":[{"type":"custom_data","field":"plan","operator":"equals","value":"pro"}]}]}`,
				5, nil, now, now))

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT s.id FROM mailing_subscribers s WHERE s.organization_id = $1 AND s.list_id = $2 AND ((s.total_opens > $3))\n"+
			"UNION\n"+
			"SELECT s.id FROM mailing_subscribers s WHERE s.organization_id = $4 AND ((s.custom_fields->>$5 = $6))\n"+
			"ORDER BY 1")).
		WithArgs("org-1", "list-1", float64(0), "org-1", "plan", "pro").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sub-1").AddRow("sub-2").AddRow("sub-3"))

	ids, err := e.SubscriberIDs(context.Background(), "org-1", []string{"seg-a", "seg-b"})
	if err != nil {
		t.Fatalf("SubscriberIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("got %v, want 3 ids", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEngine_SubscriberIDs_MissingSegment(t *testing.T) {
	db, mock := setupTestDB(t)
	e := NewEngine(db, DefaultOptions(), nil)

	mock.ExpectQuery("FROM mailing_segments").
		WillReturnRows(sqlmock.NewRows(segmentRowColumns))

	_, err := e.SubscriberIDs(context.Background(), "org-1", []string{"seg-gone"})
	if err == nil {
		t.Fatal("expected error for missing segment")
	}
}

func TestEngine_Matches(t *testing.T) {
	db, mock := setupTestDB(t)
	e := NewEngine(db, DefaultOptions(), nil)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT EXISTS (SELECT 1 FROM mailing_subscribers s WHERE s.organization_id = $1 AND s.id = $2 AND ((s.first_name = $3)))")).
		WithArgs("org-1", "sub-1", "Jane").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := e.Matches(context.Background(), "org-1", "sub-1", Tree{Groups: []Group{and(
		FieldCondition{Field: "first_name", Operator: OpEquals, Value: "Jane"},
	)}})
	if err != nil {
		t.Fatalf("Matches: %v", err)
	}
	if !ok {
		t.Error("expected match")
	}

	// An empty tree never touches the database.
	ok, err = e.Matches(context.Background(), "org-1", "sub-1", Tree{})
	if err != nil || !ok {
		t.Errorf("empty tree: got (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEngine_CachedSizeAndInvalidation(t *testing.T) {
	db, mock := setupTestDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	e := NewEngine(db, DefaultOptions(), cache.New(client, "test", time.Hour))
	ctx := context.Background()
	now := time.Now()
	conditions := `{"groups":[{"conditions":[{"type":"field","field":"status","operator":"equals","value":"confirmed"}]}]}`

	expectRecalc := func(count int) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM mailing_segments WHERE organization_id = $1 AND id = $2")).
			WithArgs("org-1", "seg-1").
			WillReturnRows(sqlmock.NewRows(segmentRowColumns).
				AddRow("seg-1", "org-1", "list-1", "Confirmed", conditions, 0, nil, now, now))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM mailing_subscribers s")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE mailing_segments SET subscriber_count = $2")).
			WithArgs("seg-1", count, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	expectRecalc(17)
	n, err := e.CachedSize(ctx, "org-1", "seg-1")
	if err != nil || n != 17 {
		t.Fatalf("first CachedSize = (%d, %v), want 17", n, err)
	}

	// Served from Redis; no new expectations registered.
	n, err = e.CachedSize(ctx, "org-1", "seg-1")
	if err != nil || n != 17 {
		t.Fatalf("cached CachedSize = (%d, %v), want 17", n, err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE mailing_segments SET conditions = $3")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectRecalc(9)
	n, err = e.UpdateConditions(ctx, "org-1", "seg-1", Tree{})
	if err != nil || n != 9 {
		t.Fatalf("UpdateConditions = (%d, %v), want 9", n, err)
	}

	n, err = e.CachedSize(ctx, "org-1", "seg-1")
	if err != nil || n != 9 {
		t.Errorf("CachedSize after update = (%d, %v), want 9", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
