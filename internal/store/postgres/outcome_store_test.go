package postgres_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/dealhound/fetchengine/internal/fetch"
	"github.com/dealhound/fetchengine/internal/store/postgres"
)

func TestAppendInsertsOutcomeRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := postgres.NewOutcomeStoreWithPool(mock, "outcomes")
	require.NoError(t, err)

	recordedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	outcome := fetch.Outcome{
		JobID:          "job-1",
		Domain:         "shop.example.com",
		Strategy:       "static",
		Proxy:          "10.0.0.1:8080",
		Success:        true,
		Classification: fetch.ClassSuccess,
		Latency:        420 * time.Millisecond,
		At:             recordedAt,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outcomes")).
		WithArgs("job-1", "shop.example.com", "static", "10.0.0.1:8080",
			true, "success", int64(420), recordedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Append(context.Background(), outcome))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSurfacesDatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := postgres.NewOutcomeStoreWithPool(mock, "outcomes")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outcomes")).
		WillReturnError(errors.New("connection refused"))

	err = store.Append(context.Background(), fetch.Outcome{JobID: "job-1"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAggregatesScansRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := postgres.NewOutcomeStoreWithPool(mock, "outcomes")
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"domain", "strategy", "attempts", "successes", "mean_latency_ms"}).
		AddRow("shop.example.com", "static", 120, 96, 350.0).
		AddRow("shop.example.com", "stealth", 20, 19, 2400.0)

	mock.ExpectQuery("SELECT domain, strategy").WillReturnRows(rows)

	aggregates, err := store.LoadAggregates(context.Background())
	require.NoError(t, err)
	require.Len(t, aggregates, 2)
	require.Equal(t, postgres.StatAggregate{
		Domain:      "shop.example.com",
		Strategy:    "static",
		Attempts:    120,
		Successes:   96,
		MeanLatency: 350 * time.Millisecond,
	}, aggregates[0])
	require.Equal(t, 2400*time.Millisecond, aggregates[1].MeanLatency)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAggregatesEmptyTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := postgres.NewOutcomeStoreWithPool(mock, "outcomes")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT domain, strategy").
		WillReturnRows(pgxmock.NewRows([]string{"domain", "strategy", "attempts", "successes", "mean_latency_ms"}))

	aggregates, err := store.LoadAggregates(context.Background())
	require.NoError(t, err)
	require.Empty(t, aggregates)
}

func TestNewOutcomeStoreWithPoolValidatesTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = postgres.NewOutcomeStoreWithPool(mock, "outcomes; DROP TABLE users")
	require.Error(t, err)

	_, err = postgres.NewOutcomeStoreWithPool(nil, "outcomes")
	require.Error(t, err)
}
