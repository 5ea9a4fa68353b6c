package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"pricefeed/internal/model"
)

var (
	// ErrUnreachable covers timeouts, connection failures and non-2xx replies.
	ErrUnreachable = errors.New("fetcher: upstream unreachable")
	// ErrMalformed covers undecodable bodies and responses with no usable quotes.
	ErrMalformed = errors.New("fetcher: upstream response malformed")
)

// QuoteFetcher retrieves one normalised quote set from an upstream provider.
type QuoteFetcher interface {
	Source() model.Source
	Fetch(ctx context.Context) (map[string]model.RawQuote, error)
}

// Options parameterise an HTTP quote provider.
type Options struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
}

// httpSource is the resty plumbing shared by both providers.
type httpSource struct {
	source model.Source
	url    string
	client *resty.Client
	logger zerolog.Logger
	now    func() time.Time
}

func newHTTPSource(source model.Source, opts Options, logger zerolog.Logger) httpSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		client.SetHeader("User-Agent", ua)
	} else {
		client.SetHeader("User-Agent", "pricefeed/1.0")
	}
	if len(opts.Headers) > 0 {
		client.SetHeaders(opts.Headers)
	}

	return httpSource{
		source: source,
		url:    opts.URL,
		client: client,
		logger: logger.With().Str("component", "fetcher").Str("source", string(source)).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Source reports which feed this provider serves.
func (h httpSource) Source() model.Source {
	return h.source
}

// Close drops idle upstream connections.
func (h httpSource) Close() {
	h.client.GetClient().CloseIdleConnections()
}

func (h httpSource) get(ctx context.Context) ([]byte, error) {
	if h.url == "" {
		return nil, fmt.Errorf("%w: url not configured", ErrUnreachable)
	}

	resp, err := h.client.R().SetContext(ctx).Get(h.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode())
	}

	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	h.logger.Debug().Int("bytes", len(body)).Dur("elapsed", resp.Time()).Msg("upstream responded")
	return body, nil
}
