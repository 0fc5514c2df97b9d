package marketdata

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quotevault/internal/symbols"
	"github.com/aristath/quotevault/internal/upstream"
	"github.com/aristath/quotevault/internal/utils"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, symbols.InitSchema(db))
	require.NoError(t, InitSchema(db))
	return db
}

func setupPriceRepo(t *testing.T) (*PriceRepository, *symbols.Repository, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	symRepo := symbols.NewRepository(db, zerolog.Nop())
	require.NoError(t, symRepo.Insert(&symbols.Symbol{Symbol: "AAPL", Active: true}))
	return NewPriceRepository(db, zerolog.Nop()), symRepo, db
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := utils.ParseDate(s)
	require.NoError(t, err)
	return d
}

func bar(t *testing.T, day string, close float64) upstream.Bar {
	t.Helper()
	return upstream.Bar{
		Date:   date(t, day),
		Open:   close * 0.99,
		High:   close * 1.01,
		Low:    close * 0.98,
		Close:  close,
		Volume: 1000,
	}
}

func TestUpsertBatchCounts(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	counts, err := repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-02", 100),
		bar(t, "2024-01-03", 101),
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Inserted: 2}, counts)

	// Re-upsert one old row and add one new row
	counts, err = repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-03", 105),
		bar(t, "2024-01-04", 102),
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Inserted: 1, Updated: 1}, counts)

	rows, err := repo.ReadResolved("AAPL", []symbols.Segment{
		{StorageSymbol: "AAPL", From: date(t, "2024-01-01"), To: date(t, "2024-01-31")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.InDelta(t, 105.0, rows[1].Close, 1e-9, "conflict updates the stored row")
}

func TestUpsertBatchSkipsInvalidRows(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	bad := bar(t, "2024-01-03", 100)
	bad.High = bad.Low - 1 // violates high >= low

	negative := bar(t, "2024-01-04", 100)
	negative.Close = -5

	counts, err := repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-02", 100),
		bad,
		negative,
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Inserted: 1, Skipped: 2}, counts)
}

func TestUpsertBatchUnknownSymbolFails(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	_, err := repo.UpsertBatch("NOPE", "test", []upstream.Bar{bar(t, "2024-01-02", 100)})
	assert.Error(t, err, "FK to symbols must hold")
}

func TestGetCoverageEmpty(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	cov, err := repo.GetCoverage("AAPL", date(t, "2024-01-01"), date(t, "2024-01-31"))
	require.NoError(t, err)
	assert.Nil(t, cov.FirstDate)
	assert.Nil(t, cov.LastDate)
	assert.Zero(t, cov.RowCount)
	assert.False(t, cov.HasWeekdayGap)
}

func TestGetCoverageContiguous(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	// Mon 2024-01-08 .. Fri 2024-01-12, weekend follows
	_, err := repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-08", 100),
		bar(t, "2024-01-09", 101),
		bar(t, "2024-01-10", 102),
		bar(t, "2024-01-11", 103),
		bar(t, "2024-01-12", 104),
	})
	require.NoError(t, err)

	cov, err := repo.GetCoverage("AAPL", date(t, "2024-01-01"), date(t, "2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, date(t, "2024-01-08"), *cov.FirstDate)
	assert.Equal(t, date(t, "2024-01-12"), *cov.LastDate)
	assert.Equal(t, 5, cov.RowCount)
	assert.False(t, cov.HasWeekdayGap, "weekend days are not gaps")
}

func TestGetCoverageDetectsWeekdayGap(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	// Wed 2024-01-10 missing
	_, err := repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-08", 100),
		bar(t, "2024-01-09", 101),
		bar(t, "2024-01-11", 103),
		bar(t, "2024-01-12", 104),
	})
	require.NoError(t, err)

	cov, err := repo.GetCoverage("AAPL", date(t, "2024-01-01"), date(t, "2024-01-31"))
	require.NoError(t, err)
	assert.True(t, cov.HasWeekdayGap)
	require.NotNil(t, cov.FirstMissingWeekday)
	assert.Equal(t, date(t, "2024-01-10"), *cov.FirstMissingWeekday)
}

func TestGetCoverageWindowed(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	_, err := repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-08", 100),
		bar(t, "2024-02-12", 104),
	})
	require.NoError(t, err)

	// Window that only sees the February row
	cov, err := repo.GetCoverage("AAPL", date(t, "2024-02-01"), date(t, "2024-02-29"))
	require.NoError(t, err)
	assert.Equal(t, date(t, "2024-02-12"), *cov.FirstDate)
	assert.Equal(t, 1, cov.RowCount)
	assert.False(t, cov.HasWeekdayGap)
}

func TestReadResolvedLabelsRenameSegments(t *testing.T) {
	repo, symRepo, _ := setupPriceRepo(t)
	require.NoError(t, symRepo.Insert(&symbols.Symbol{Symbol: "FB", Active: false}))
	require.NoError(t, symRepo.Insert(&symbols.Symbol{Symbol: "META", Active: true}))

	_, err := repo.UpsertBatch("FB", "test", []upstream.Bar{bar(t, "2022-06-08", 190)})
	require.NoError(t, err)
	_, err = repo.UpsertBatch("META", "test", []upstream.Bar{bar(t, "2022-06-09", 185)})
	require.NoError(t, err)

	rows, err := repo.ReadResolved("META", []symbols.Segment{
		{StorageSymbol: "FB", From: date(t, "2022-06-01"), To: date(t, "2022-06-08")},
		{StorageSymbol: "META", From: date(t, "2022-06-09"), To: date(t, "2022-06-30")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "META", rows[0].Symbol)
	assert.Equal(t, "FB", rows[0].SourceSymbol)
	assert.Equal(t, "META", rows[1].Symbol)
	assert.Equal(t, "META", rows[1].SourceSymbol)
}

func TestDeleteAllForSymbol(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	_, err := repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-02", 100),
		bar(t, "2024-01-03", 101),
	})
	require.NoError(t, err)

	deleted, err := repo.DeleteAllForSymbol("AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	n, err := repo.CountForSymbol("AAPL")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteRange(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	_, err := repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-02", 100),
		bar(t, "2024-01-03", 101),
		bar(t, "2024-01-04", 102),
	})
	require.NoError(t, err)

	deleted, err := repo.DeleteRange("AAPL", date(t, "2024-01-03"), date(t, "2024-01-04"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	n, err := repo.CountForSymbol("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetCloses(t *testing.T) {
	repo, _, _ := setupPriceRepo(t)

	_, err := repo.UpsertBatch("AAPL", "test", []upstream.Bar{
		bar(t, "2024-01-03", 101),
		bar(t, "2024-01-02", 100),
	})
	require.NoError(t, err)

	closes, err := repo.GetCloses("AAPL", date(t, "2024-01-01"), date(t, "2024-01-31"))
	require.NoError(t, err)
	require.Len(t, closes, 2)
	assert.Equal(t, date(t, "2024-01-02"), closes[0].Date)
	assert.InDelta(t, 100.0, closes[0].Close, 1e-9)
	assert.Equal(t, date(t, "2024-01-03"), closes[1].Date)
}
