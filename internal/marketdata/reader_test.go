package marketdata

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quotevault/internal/symbols"
)

func setupReader(t *testing.T, client *fakeClient, limits ReaderLimits) (*Reader, *coverageFixture) {
	t.Helper()
	fx := setupCoverage(t, client, false)

	resolver := symbols.NewResolver(fx.symbols, nil, zerolog.Nop())
	reader := NewReader(fx.svc, resolver, fx.prices, nil, limits, zerolog.Nop())
	return reader, fx
}

func TestGetPricesAutoFetchAndSort(t *testing.T) {
	client := newFakeClient(t, "2024-01-02", "2024-03-29")
	reader, fx := setupReader(t, client, ReaderLimits{MaxSymbols: 10, MaxRows: 1000})
	require.NoError(t, fx.symbols.Insert(&symbols.Symbol{Symbol: "AAPL", Active: true}))
	require.NoError(t, fx.symbols.Insert(&symbols.Symbol{Symbol: "MSFT", Active: true}))

	rows, err := reader.GetPrices(context.Background(), []string{"MSFT", "aapl"},
		mustDate(t, "2024-01-08"), mustDate(t, "2024-01-09"), true)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// (date, symbol) ordering interleaves the two symbols
	assert.Equal(t, "AAPL", rows[0].Symbol)
	assert.Equal(t, "2024-01-08", rows[0].Date)
	assert.Equal(t, "MSFT", rows[1].Symbol)
	assert.Equal(t, "2024-01-08", rows[1].Date)
	assert.Equal(t, "AAPL", rows[2].Symbol)
	assert.Equal(t, "2024-01-09", rows[2].Date)

	assert.Equal(t, 2, client.fetchCount(), "auto fetch pulls each symbol once")
}

func TestGetPricesWithoutAutoFetchReadsStoredOnly(t *testing.T) {
	client := newFakeClient(t, "2024-01-02", "2024-03-29")
	reader, fx := setupReader(t, client, ReaderLimits{MaxSymbolsRelaxed: 50, MaxRowsRelaxed: 1000})
	require.NoError(t, fx.symbols.Insert(&symbols.Symbol{Symbol: "AAPL", Active: true}))

	_, err := reader.GetPrices(context.Background(), []string{"AAPL"},
		mustDate(t, "2024-01-08"), mustDate(t, "2024-01-09"), false)
	assert.ErrorIs(t, err, ErrNoDataInRange)
	assert.Zero(t, client.fetchCount(), "plain reads never touch the provider")
}

func TestGetPricesSymbolCapTiers(t *testing.T) {
	client := newFakeClient(t, "2024-01-02", "2024-03-29")
	reader, _ := setupReader(t, client, ReaderLimits{
		MaxSymbols: 2, MaxRows: 1000,
		MaxSymbolsRelaxed: 4, MaxRowsRelaxed: 1000,
	})

	syms := []string{"A", "B", "C"}

	// Three symbols exceed the strict tier but not the relaxed one
	_, err := reader.GetPrices(context.Background(), syms,
		mustDate(t, "2024-01-08"), mustDate(t, "2024-01-09"), true)
	assert.ErrorIs(t, err, ErrTooManySymbols)

	_, err = reader.GetPrices(context.Background(), syms,
		mustDate(t, "2024-01-08"), mustDate(t, "2024-01-09"), false)
	assert.NotErrorIs(t, err, ErrTooManySymbols)
}

func TestGetPricesRowCap(t *testing.T) {
	client := newFakeClient(t, "2024-01-02", "2024-03-29")
	reader, fx := setupReader(t, client, ReaderLimits{MaxSymbols: 10, MaxRows: 5})
	require.NoError(t, fx.symbols.Insert(&symbols.Symbol{Symbol: "AAPL", Active: true}))

	_, err := reader.GetPrices(context.Background(), []string{"AAPL"},
		mustDate(t, "2024-01-01"), mustDate(t, "2024-01-31"), true)
	assert.ErrorIs(t, err, ErrTooMuchData)
}

func TestGetPricesRenameTransparency(t *testing.T) {
	client := newFakeClient(t, "2020-01-01", "2024-03-29")
	reader, fx := setupReader(t, client, ReaderLimits{MaxSymbols: 10, MaxRows: 1000})
	require.NoError(t, fx.symbols.Insert(&symbols.Symbol{Symbol: "FB", Active: false}))
	require.NoError(t, fx.symbols.Insert(&symbols.Symbol{Symbol: "META", Active: true}))
	require.NoError(t, fx.symbols.InsertChange(&symbols.SymbolChange{
		OldSymbol: "FB", NewSymbol: "META", ChangeDate: mustDate(t, "2022-06-09"),
	}))

	rows, err := reader.GetPrices(context.Background(), []string{"META"},
		mustDate(t, "2022-06-06"), mustDate(t, "2022-06-10"), true)
	require.NoError(t, err)
	require.Len(t, rows, 5, "Mon-Fri across the rename boundary")

	for _, row := range rows {
		assert.Equal(t, "META", row.Symbol, "every row is labeled with the requested symbol")
	}
	assert.Equal(t, "FB", rows[0].SourceSymbol)
	assert.Equal(t, "FB", rows[2].SourceSymbol, "2022-06-08 stored under the old ticker")
	assert.Equal(t, "META", rows[3].SourceSymbol, "2022-06-09 onward stored under the new ticker")
}

func TestGetPricesRejectsBadInput(t *testing.T) {
	client := newFakeClient(t, "2024-01-02", "2024-03-29")
	reader, _ := setupReader(t, client, ReaderLimits{MaxSymbols: 10, MaxRows: 1000})

	_, err := reader.GetPrices(context.Background(), nil,
		mustDate(t, "2024-01-08"), mustDate(t, "2024-01-09"), true)
	assert.Error(t, err)

	_, err = reader.GetPrices(context.Background(), []string{""},
		mustDate(t, "2024-01-08"), mustDate(t, "2024-01-09"), true)
	assert.Error(t, err)

	_, err = reader.GetPrices(context.Background(), []string{"AAPL"},
		mustDate(t, "2024-01-09"), mustDate(t, "2024-01-08"), true)
	assert.Error(t, err)
}
