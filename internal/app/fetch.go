package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
)

// FetchOnce fetches each configured upstream once and prints the parsed quotes.
// Nothing is persisted.
func (a *App) FetchOnce(ctx context.Context, opts FetchOptions) error {
	var failed int
	for _, f := range a.newFetchers() {
		source := f.Source()
		if opts.Source != "" && opts.Source != source {
			continue
		}

		started := time.Now()
		quotes, err := f.Fetch(ctx)
		elapsed := time.Since(started)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("source", string(source)).Dur("elapsed", elapsed).Msg("fetch failed")
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: %d quotes in %s\n", source, len(quotes), elapsed.Round(time.Millisecond))
		if err := writeQuoteTable(os.Stdout, quotes); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout)
	}
	if failed > 0 {
		return fmt.Errorf("%d source(s) failed to respond", failed)
	}
	return nil
}

func writeQuoteTable(out io.Writer, quotes map[string]model.RawQuote) error {
	codes := make([]string, 0, len(quotes))
	for code := range quotes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Instrument\tBid\tAsk\tDir\tName")
	for _, code := range codes {
		q := quotes[code]
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", code, nullString(q.Bid), nullString(q.Ask), q.SourceDirection, sanitizeInline(q.DisplayName))
	}
	return writer.Flush()
}

func nullString(v decimal.NullDecimal) string {
	if !v.Valid {
		return "-"
	}
	return v.Decimal.String()
}
