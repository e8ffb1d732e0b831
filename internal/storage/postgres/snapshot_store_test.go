package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

func twoMonthSnapshot(t *testing.T) pricing.Snapshot {
	t.Helper()
	table := pricing.AnnualTable{Destination: "Paris,France", Year: 2025}
	for _, month := range []int{1, 2} {
		summary, err := pricing.Summarize([]float64{100, 200}, pricing.NewStayWindow(2025, month, 7))
		require.NoError(t, err)
		table.Rows = append(table.Rows, summary)
	}
	return pricing.Snapshot{RunID: "run-1", Table: table, CreatedAt: time.Unix(1700000000, 0).UTC()}
}

func TestStoreSnapshotInsertsRowPerMonth(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSnapshotStoreWithPool(mock, "")
	require.NoError(t, err)

	snap := twoMonthSnapshot(t)
	ref := pricing.SnapshotRef{URI: "gs://bucket/paris.csv", SHA256: "abc", Bytes: 10}

	mock.ExpectBegin()
	for _, row := range snap.Table.Rows {
		mock.ExpectExec("INSERT INTO stay_prices").
			WithArgs(
				snap.RunID, "Paris,France", 2025, row.Month, row.MonthName,
				row.AvgPrice, row.MedianPrice, row.MinPrice, row.MaxPrice, row.SampleSize,
				row.CheckIn, row.CheckOut, ref.URI, ref.SHA256, snap.CreatedAt,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.StoreSnapshot(context.Background(), snap, ref))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSnapshotRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSnapshotStoreWithPool(mock, "prices_2025")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO prices_2025").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err = store.StoreSnapshot(context.Background(), twoMonthSnapshot(t), pricing.SnapshotRef{})
	require.ErrorContains(t, err, "insert month 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSnapshotStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewSnapshotStoreWithPool(mock, "bad;table")
	require.Error(t, err)

	_, err = NewSnapshotStore(context.Background(), SnapshotStoreConfig{})
	require.Error(t, err)

	store, err := NewSnapshotStoreWithPool(mock, "")
	require.NoError(t, err)
	err = store.StoreSnapshot(context.Background(), pricing.Snapshot{}, pricing.SnapshotRef{})
	require.ErrorContains(t, err, "run id is required")
}
