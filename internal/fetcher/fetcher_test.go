package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func opts(url string) Options {
	return Options{URL: url, Timeout: time.Second, UserAgent: "test", Headers: map[string]string{"X-Api-Key": "k"}}
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{"4000", "4000", true},
		{"4.000,12", "4000.12", true},
		{"4,000.12", "4000.12", true},
		{"4000,5", "4000.5", true},
		{"1.234.567", "1234567", true},
		{"1,234,567", "1234567", true},
		{"%1,25", "1.25", true},
		{"-0,5", "-0.5", true},
		{"₺ 2.450,00", "2450", true},
		{"", "", false},
		{"-", "", false},
		{"abc", "", false},
		{nil, "", false},
		{float64(12.5), "12.5", true},
	}
	for _, tc := range cases {
		got, ok := ParseNumber(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseNumber(%v) ok=%v, want %v", tc.in, ok, tc.ok)
		}
		if ok && !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("ParseNumber(%v)=%s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestPrimaryFetchSuccess(t *testing.T) {
	srv := serve(t, http.StatusOK, `{
		"meta":{"time":1700000000},
		"data":{
			"GOLD":{"code":"GOLD","alis":"4.000,00","satis":4010,"dusuk":"3990","yuksek":"4050","dir":{"satis_dir":"up"}},
			"USDTRY":{"code":"USDTRY","alis":"32,10","satis":"32,20"},
			"EMPTY":{"code":"EMPTY"}
		}}`)

	p := NewPrimary(opts(srv.URL), noopLogger())
	defer p.Close()
	quotes, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(quotes))
	}
	gold := quotes["GOLD"]
	if gold.Source != model.SourcePrimary {
		t.Fatalf("unexpected source %s", gold.Source)
	}
	if !gold.Bid.Decimal.Equal(decimal.NewFromInt(4000)) || !gold.Ask.Decimal.Equal(decimal.NewFromInt(4010)) {
		t.Fatalf("unexpected gold quote %s/%s", gold.Bid.Decimal, gold.Ask.Decimal)
	}
	if gold.SourceDirection != "up" || !gold.DailyHigh.Valid {
		t.Fatalf("expected direction and daily high, got %+v", gold)
	}
	if !quotes["USDTRY"].Bid.Decimal.Equal(decimal.RequireFromString("32.10")) {
		t.Fatalf("turkish decimal not parsed: %s", quotes["USDTRY"].Bid.Decimal)
	}
}

func TestPrimaryFetchFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"http error", http.StatusBadGateway, `{}`, ErrUnreachable},
		{"bad json", http.StatusOK, `{"data":`, ErrMalformed},
		{"empty data", http.StatusOK, `{"meta":{},"data":{}}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := serve(t, tc.status, tc.body)
			p := NewPrimary(opts(srv.URL), noopLogger())
			if _, err := p.Fetch(context.Background()); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPrimaryFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewPrimary(opts(url), noopLogger())
	if _, err := p.Fetch(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("连接失败应返回 ErrUnreachable, got %v", err)
	}
}

func TestPrimaryFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewPrimary(Options{URL: srv.URL, Timeout: 50 * time.Millisecond}, noopLogger())
	if _, err := p.Fetch(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected timeout as ErrUnreachable, got %v", err)
	}
}

func TestFallbackFlattensGroups(t *testing.T) {
	srv := serve(t, http.StatusOK, `{
		"Update_Date":"2024-03-01 10:00:00",
		"Rates":{
			"Gold":{"GRAM":{"Name":"Gram Altin","Buying":"2.450,10","Selling":"2.460,90","High":"2.470","Low":"2.440","Change":"%0,45"}},
			"Currency":{"usd":{"Name":"Dolar","Buying":32.1,"Selling":32.2,"Change":-0.1}}
		}}`)

	f := NewFallback(opts(srv.URL), noopLogger())
	defer f.Close()
	if f.Source() != model.SourceFallback {
		t.Fatalf("unexpected source %s", f.Source())
	}
	quotes, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	gram, ok := quotes["GRAM"]
	if !ok {
		t.Fatalf("GRAM missing: %+v", quotes)
	}
	if !gram.Ask.Decimal.Equal(decimal.RequireFromString("2460.90")) || gram.SourceDirection != "up" {
		t.Fatalf("unexpected GRAM quote %+v", gram)
	}
	usd, ok := quotes["USD"]
	if !ok || usd.SourceDirection != "down" || usd.DisplayName != "Dolar" {
		t.Fatalf("unexpected USD quote %+v", usd)
	}
}

func TestFallbackRejectsEmptyRates(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"Update_Date":"x","Rates":{"Gold":{"GRAM":{"Name":"g"}}}}`)
	f := NewFallback(opts(srv.URL), noopLogger())
	if _, err := f.Fetch(context.Background()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestPrimaryNormalisesCodes(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"data":{"gold":{"code":" gold ","alis":4000,"satis":4010},"usdtry":{"alis":"32,10","satis":"32,20"}}}`)

	p := NewPrimary(opts(srv.URL), noopLogger())
	defer p.Close()
	quotes, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	for _, code := range []string{"GOLD", "USDTRY"} {
		q, ok := quotes[code]
		if !ok || q.InstrumentCode != code {
			t.Fatalf("代码应统一为大写 %s: %+v", code, quotes)
		}
	}
}
