package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewStoreWithDB(mock), mock
}

func TestIncrementOrInsertReturnsNewCount(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(incrementOrInsertSQL)).
		WithArgs("BTCUSDT", "spot", "ma_crossover", at).
		WillReturnRows(pgxmock.NewRows([]string{"observation_count"}).AddRow(int64(3)))

	count, err := store.IncrementOrInsert(context.Background(), "BTCUSDT", "spot", "ma_crossover", at)
	if err != nil {
		t.Fatalf("IncrementOrInsert: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotAppliesFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(snapshotSQL)).
		WithArgs("spot", "volume_spike").
		WillReturnRows(pgxmock.NewRows([]string{"tracked_symbol", "observation_count"}).
			AddRow("BTCUSDT", int64(2)).
			AddRow("ETHUSDT", int64(5)))

	snapshot, err := store.Snapshot(context.Background(), "spot", "volume_spike")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot) != 2 || snapshot["BTCUSDT"] != 2 || snapshot["ETHUSDT"] != 5 {
		t.Fatalf("snapshot = %v", snapshot)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPruneBeforeReportsRowsRemoved(t *testing.T) {
	store, mock := newMockStore(t)
	watermark := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(pruneBeforeSQL)).
		WithArgs(watermark, "ma_crossover").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	removed, err := store.PruneBefore(context.Background(), watermark, "ma_crossover")
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if removed != 4 {
		t.Fatalf("removed = %d, want 4", removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBumpOccurrenceUsesPeriodWindowStart(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 8, 29, 17, 42, 11, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(bumpOccurrenceSQL)).
		WithArgs("BTCUSDT", "volume_spike", "monthly", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)).
		WillReturnRows(pgxmock.NewRows([]string{"observation_count"}).AddRow(int64(7)))

	count, err := store.BumpOccurrence(context.Background(), "BTCUSDT", "volume_spike", CountMonthly, at)
	if err != nil {
		t.Fatalf("BumpOccurrence: %v", err)
	}
	if count != 7 {
		t.Fatalf("count = %d, want 7", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreErrorsSurface(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(snapshotSQL)).
		WithArgs("", "").
		WillReturnError(errors.New("connection refused"))

	if _, err := store.Snapshot(context.Background(), "", ""); err == nil {
		t.Fatal("expected query error to surface")
	}
}

func TestUnconfiguredStore(t *testing.T) {
	var store *Store
	if _, err := store.Snapshot(context.Background(), "", ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestCountTypeWindowStart(t *testing.T) {
	at := time.Date(2026, 2, 17, 23, 59, 59, 0, time.UTC)
	if got := CountDaily.WindowStart(at); !got.Equal(time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("daily window start = %v", got)
	}
	if got := CountMonthly.WindowStart(at); !got.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("monthly window start = %v", got)
	}
}
