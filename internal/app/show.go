package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

// Show prints the last published price list with today's extrema.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	prices, err := store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		fmt.Fprintln(os.Stdout, "no published prices found")
		return nil
	}
	if opts.Limit > 0 && len(prices) > opts.Limit {
		prices = prices[:opts.Limit]
	}

	rows, err := store.ListExtrema(ctx)
	if err != nil {
		return err
	}
	return writePriceTable(os.Stdout, prices, rows)
}

func writePriceTable(out io.Writer, prices []model.DerivedPrice, extrema []model.DailyExtrema) error {
	byCode := make(map[string]model.DailyExtrema, len(extrema))
	for _, row := range extrema {
		byCode[row.InstrumentCode] = row
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Instrument\tBid\tAsk\tSpread%\tDir\tSource\tHigh Bid\tLow Bid\tUpdated (UTC)")
	for _, p := range prices {
		high, low := "-", "-"
		if row, ok := byCode[p.InstrumentCode]; ok {
			high = formatDecimal(row.HighBid, p.Decimals)
			low = formatDecimal(row.LowBid, p.Decimals)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sanitizeInline(p.InstrumentCode),
			formatDecimal(p.Bid, p.Decimals),
			formatDecimal(p.Ask, p.Decimals),
			formatDecimal(p.SpreadPct, 2),
			p.Direction,
			p.Source,
			high,
			low,
			p.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

// Status prints the persisted failover settings and poller connectivity.
func (a *App) Status(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cfg, err := store.LoadFailoverConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintln(os.Stdout, "failover config not initialised; start the service once")
		return nil
	}
	if err != nil {
		return err
	}
	statuses, err := store.ListSourceStatus(ctx)
	if err != nil {
		return err
	}
	return writeStatus(os.Stdout, cfg, statuses)
}

func writeStatus(out io.Writer, cfg model.FailoverConfig, statuses []model.SourceStatus) error {
	fmt.Fprintf(out, "active source:   %s\n", cfg.ActiveSource)
	fmt.Fprintf(out, "auto fallback:   %t\n", cfg.AutoFallbackEnabled)
	fmt.Fprintf(out, "stale after:     %ds\n", cfg.StaleAfterSeconds)
	fmt.Fprintf(out, "manual override: %t\n\n", cfg.ManualOverride)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tConnected\tLast Success (UTC)\tErrors\tLast Error")
	for _, st := range statuses {
		last := "never"
		if !st.LastSuccessAt.IsZero() {
			last = st.LastSuccessAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%t\t%s\t%d\t%s\n", st.Source, st.Connected, last, st.ConsecutiveErrors, sanitizeInline(st.LastError))
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
