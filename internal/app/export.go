package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pricefeed/internal/model"
)

// Export renders sampled bid/ask history of one instrument as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	instrument := strings.ToUpper(strings.TrimSpace(opts.Instrument))
	if instrument == "" {
		return errors.New("--instrument is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	points, err := store.ListHistory(ctx, instrument, from, to)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Str("instrument", instrument).Msg("no history found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Str("instrument", instrument).Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writePointsCSV(w, downsampled) }); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writePointsPNG(w, instrument, downsampled) }); err != nil {
			return err
		}
	}
	return nil
}

func downsamplePoints(points []model.HistoryPoint, max int) []model.HistoryPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]model.HistoryPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(w io.Writer, points []model.HistoryPoint) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"recorded_at", "instrument", "bid", "ask"}); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			p.RecordedAt.UTC().Format(time.RFC3339),
			p.InstrumentCode,
			p.Bid.String(),
			p.Ask.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePointsPNG(w io.Writer, instrument string, points []model.HistoryPoint) error {
	x := make([]time.Time, len(points))
	bid := make([]float64, len(points))
	ask := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.RecordedAt
		bid[i] = p.Bid.InexactFloat64()
		ask[i] = p.Ask.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  instrument,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Bid", XValues: x, YValues: bid},
			chart.TimeSeries{Name: "Ask", XValues: x, YValues: ask},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
