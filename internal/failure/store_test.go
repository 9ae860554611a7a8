package failure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

// TestInsertBatch verifies the batch write runs inside one transaction.
func TestInsertBatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO search_failures`).
		WithArgs("갤럭시 s99", "갤럭시 s99", "[]", 3, "product not found", "phone", "삼성전자", "", StatusPending).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO search_failures`).
		WithArgs("이상한 쿼리", "이상한 쿼리", "[]", 1, "timeout", "other", "", "", StatusPending).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := s.InsertBatch(context.Background(), []Record{
		{OriginalQuery: "갤럭시 s99", NormalizedQuery: "갤럭시 s99", Candidates: "[]",
			AttemptedCount: 3, ErrorMessage: "product not found", Category: "phone", Brand: "삼성전자"},
		{OriginalQuery: "이상한 쿼리", NormalizedQuery: "이상한 쿼리", Candidates: "[]",
			AttemptedCount: 1, ErrorMessage: "timeout", Category: "other"},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// TestInsertBatchEmpty verifies a no-op batch touches nothing.
func TestInsertBatchEmpty(t *testing.T) {
	s, mock := newMockStore(t)

	if err := s.InsertBatch(context.Background(), nil); err != nil {
		t.Fatalf("InsertBatch(nil): %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// TestInsertBatchRollsBackOnError verifies a mid-batch failure aborts the
// transaction.
func TestInsertBatchRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO search_failures`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.InsertBatch(context.Background(), []Record{{OriginalQuery: "x"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// TestMarkResolved verifies status mutation and the not-found case.
func TestMarkResolved(t *testing.T) {
	name := "삼성전자 갤럭시 S24 울트라"

	t.Run("updates row", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE search_failures`).
			WithArgs(int64(42), StatusManualFixed, &name, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := s.MarkResolved(context.Background(), 42, StatusManualFixed, &name, nil); err != nil {
			t.Fatalf("MarkResolved: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE search_failures`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.MarkResolved(context.Background(), 999, StatusNotProduct, nil, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

// TestStats verifies the dashboard aggregation.
func TestStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "pending", "resolved"}).
			AddRow(10, 7, 3))
	mock.ExpectQuery(`SELECT category`).
		WillReturnRows(sqlmock.NewRows([]string{"category", "count"}).
			AddRow("phone", 6).
			AddRow("food", 4))

	st, err := s.Stats(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.WindowHours != 24 || st.Total != 10 || st.Pending != 7 || st.Resolved != 3 {
		t.Fatalf("Stats = %+v", st)
	}
	if st.ByCategory["phone"] != 6 || st.ByCategory["food"] != 4 {
		t.Fatalf("ByCategory = %v", st.ByCategory)
	}
}

// TestCommon verifies the frequent-failure aggregation groups on the
// (original, normalized) pair: the same raw query shows up once per rewrite.
func TestCommon(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`GROUP BY original_query, normalized_query`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(
			[]string{"original_query", "normalized_query", "category", "cnt", "last_seen"}).
			AddRow("갤럭시 s99", "갤럭시 s99", "phone", 7, now).
			AddRow("갤럭시 s99", "galaxy s99", "phone", 3, now).
			AddRow("이상한 쿼리", "이상한 쿼리", "other", 3, now))

	common, err := s.Common(context.Background(), 5)
	if err != nil {
		t.Fatalf("Common: %v", err)
	}
	if len(common) != 3 {
		t.Fatalf("len = %d, want 3", len(common))
	}
	if common[0].OriginalQuery != "갤럭시 s99" || common[0].Count != 7 {
		t.Fatalf("common[0] = %+v", common[0])
	}
	if common[1].NormalizedQuery != "galaxy s99" {
		t.Fatalf("common[1] = %+v", common[1])
	}
}

// TestSuggest verifies thresholds and priorities: every pair gets a hint,
// tiered HIGH at 5+, MEDIUM at 3+, LOW below.
func TestSuggest(t *testing.T) {
	got := Suggest([]CommonFailure{
		{OriginalQuery: "갤럭시 s99", Count: 7},
		{OriginalQuery: "그램 17", Count: 3},
		{OriginalQuery: "한번만 실패", Count: 1},
	})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"HIGH", "MEDIUM", "LOW"} {
		if got[i].Priority != want {
			t.Fatalf("priority[%d] = %q, want %s", i, got[i].Priority, want)
		}
	}
	if got[1].SuggestedAction == "" {
		t.Fatal("suggested action is empty")
	}
}
