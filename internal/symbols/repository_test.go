package symbols

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRepo(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, InitSchema(db))

	return NewRepository(db, zerolog.Nop()), db
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d.UTC()
}

func TestInsertAndGet(t *testing.T) {
	repo, _ := setupTestRepo(t)

	err := repo.Insert(&Symbol{
		Symbol:   "AAPL",
		Name:     "Apple Inc.",
		Exchange: "NASDAQ",
		Currency: "USD",
		Active:   true,
	})
	require.NoError(t, err)

	got, err := repo.Get("AAPL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Apple Inc.", got.Name)
	assert.True(t, got.Active)
	assert.False(t, got.HasFullHistory)
	assert.Nil(t, got.FirstDate)
	assert.Nil(t, got.LastDate)
}

func TestGetMissingSymbol(t *testing.T) {
	repo, _ := setupTestRepo(t)

	got, err := repo.Get("NOPE")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsertDuplicateFails(t *testing.T) {
	repo, _ := setupTestRepo(t)

	require.NoError(t, repo.Insert(&Symbol{Symbol: "AAPL", Active: true}))
	err := repo.Insert(&Symbol{Symbol: "AAPL", Active: true})
	assert.Error(t, err)
}

func TestListActive(t *testing.T) {
	repo, _ := setupTestRepo(t)

	require.NoError(t, repo.Insert(&Symbol{Symbol: "MSFT", Active: true}))
	require.NoError(t, repo.Insert(&Symbol{Symbol: "AAPL", Active: true}))
	require.NoError(t, repo.Insert(&Symbol{Symbol: "DEAD", Active: false}))

	active, err := repo.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "AAPL", active[0].Symbol)
	assert.Equal(t, "MSFT", active[1].Symbol)
}

func TestUpdateDateRangeWidensOnly(t *testing.T) {
	repo, _ := setupTestRepo(t)
	require.NoError(t, repo.Insert(&Symbol{Symbol: "AAPL", Active: true}))

	require.NoError(t, repo.UpdateDateRange("AAPL",
		date(t, "2024-01-10"), date(t, "2024-01-20")))

	got, err := repo.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", got.FirstDate.Format("2006-01-02"))
	assert.Equal(t, "2024-01-20", got.LastDate.Format("2006-01-02"))

	// A narrower range does not shrink the window
	require.NoError(t, repo.UpdateDateRange("AAPL",
		date(t, "2024-01-12"), date(t, "2024-01-15")))

	got, err = repo.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", got.FirstDate.Format("2006-01-02"))
	assert.Equal(t, "2024-01-20", got.LastDate.Format("2006-01-02"))

	// A wider range extends both ends
	require.NoError(t, repo.UpdateDateRange("AAPL",
		date(t, "2023-06-01"), date(t, "2024-02-01")))

	got, err = repo.Get("AAPL")
	require.NoError(t, err)
	assert.Equal(t, "2023-06-01", got.FirstDate.Format("2006-01-02"))
	assert.Equal(t, "2024-02-01", got.LastDate.Format("2006-01-02"))
}

func TestClearDateRange(t *testing.T) {
	repo, _ := setupTestRepo(t)
	require.NoError(t, repo.Insert(&Symbol{Symbol: "AAPL", Active: true}))
	require.NoError(t, repo.UpdateDateRange("AAPL",
		date(t, "2024-01-10"), date(t, "2024-01-20")))
	require.NoError(t, repo.MarkFullHistory("AAPL"))

	require.NoError(t, repo.ClearDateRange("AAPL"))

	got, err := repo.Get("AAPL")
	require.NoError(t, err)
	assert.Nil(t, got.FirstDate)
	assert.Nil(t, got.LastDate)
	assert.False(t, got.HasFullHistory)
}

func TestMarkFullHistory(t *testing.T) {
	repo, _ := setupTestRepo(t)
	require.NoError(t, repo.Insert(&Symbol{Symbol: "AAPL", Active: true}))

	require.NoError(t, repo.MarkFullHistory("AAPL"))

	got, err := repo.Get("AAPL")
	require.NoError(t, err)
	assert.True(t, got.HasFullHistory)
}

func TestSymbolChanges(t *testing.T) {
	repo, _ := setupTestRepo(t)

	require.NoError(t, repo.InsertChange(&SymbolChange{
		OldSymbol:  "FB",
		NewSymbol:  "META",
		ChangeDate: date(t, "2022-06-09"),
		Reason:     "corporate rebrand",
	}))

	got, err := repo.GetChangeByNewSymbol("META")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "FB", got.OldSymbol)
	assert.Equal(t, "2022-06-09", got.ChangeDate.Format("2006-01-02"))

	// No rename targets AAPL
	got, err = repo.GetChangeByNewSymbol("AAPL")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSymbolChangeUniqueNewSymbol(t *testing.T) {
	repo, _ := setupTestRepo(t)

	require.NoError(t, repo.InsertChange(&SymbolChange{
		OldSymbol:  "FB",
		NewSymbol:  "META",
		ChangeDate: date(t, "2022-06-09"),
	}))

	// A second rename targeting META violates the one-hop guarantee
	err := repo.InsertChange(&SymbolChange{
		OldSymbol:  "OTHER",
		NewSymbol:  "META",
		ChangeDate: date(t, "2023-01-01"),
	})
	assert.Error(t, err)
}

func TestCoverageSummary(t *testing.T) {
	repo, db := setupTestRepo(t)

	// Coverage summary joins against the prices table owned by marketdata
	_, err := db.Exec(`
		CREATE TABLE prices (
			symbol TEXT NOT NULL,
			date TEXT NOT NULL,
			open REAL, high REAL, low REAL, close REAL, volume INTEGER,
			source TEXT, last_updated TEXT,
			PRIMARY KEY (symbol, date)
		)
	`)
	require.NoError(t, err)

	require.NoError(t, repo.Insert(&Symbol{Symbol: "AAPL", Active: true}))
	require.NoError(t, repo.Insert(&Symbol{Symbol: "EMPTY", Active: true}))

	for _, d := range []string{"2024-01-10", "2024-01-11", "2024-01-12"} {
		_, err := db.Exec(`
			INSERT INTO prices (symbol, date, open, high, low, close, volume, source, last_updated)
			VALUES ('AAPL', ?, 1, 2, 0.5, 1.5, 100, 'test', '2024-01-13T00:00:00Z')
		`, d)
		require.NoError(t, err)
	}

	summary, err := repo.CoverageSummary()
	require.NoError(t, err)
	require.Len(t, summary, 2)

	assert.Equal(t, "AAPL", summary[0].Symbol)
	assert.Equal(t, 3, summary[0].DataPoints)
	assert.Equal(t, "2024-01-10", *summary[0].FirstDate)
	assert.Equal(t, "2024-01-12", *summary[0].LastDate)
	assert.Equal(t, 3, summary[0].TotalDays)

	assert.Equal(t, "EMPTY", summary[1].Symbol)
	assert.Equal(t, 0, summary[1].DataPoints)
	assert.Nil(t, summary[1].FirstDate)
}
