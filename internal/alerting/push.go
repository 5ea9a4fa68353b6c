package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrInvalidToken marks a device token the push gateway no longer accepts.
var ErrInvalidToken = errors.New("alerting: invalid device token")

// PushMessage is one device notification.
type PushMessage struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// PushSender delivers device notifications.
type PushSender interface {
	Send(ctx context.Context, msg PushMessage) error
}

// PushOptions configures the HTTP push gateway.
type PushOptions struct {
	URL       string
	ServerKey string
	Timeout   time.Duration
}

// HTTPPushSender posts legacy FCM-style payloads to a push gateway.
type HTTPPushSender struct {
	url    string
	client *resty.Client
	logger zerolog.Logger
}

type pushPayload struct {
	To           string            `json:"to"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type pushResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

// NewHTTPPushSender builds a sender. ServerKey is sent as "key=<ServerKey>".
func NewHTTPPushSender(opts PushOptions, logger zerolog.Logger) *HTTPPushSender {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	if opts.ServerKey != "" {
		client.SetHeader("Authorization", "key="+opts.ServerKey)
	}
	return &HTTPPushSender{
		url:    opts.URL,
		client: client,
		logger: logger.With().Str("component", "push_sender").Logger(),
	}
}

// Send delivers msg. Unknown or unregistered tokens yield ErrInvalidToken.
func (s *HTTPPushSender) Send(ctx context.Context, msg PushMessage) error {
	if msg.Token == "" {
		return ErrInvalidToken
	}

	var result pushResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(pushPayload{
			To:           msg.Token,
			Notification: pushNotification{Title: msg.Title, Body: msg.Body},
			Data:         msg.Data,
		}).
		SetResult(&result).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusNotFound, http.StatusGone:
		return ErrInvalidToken
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway status %d", resp.StatusCode())
	}

	for _, r := range result.Results {
		switch r.Error {
		case "":
		case "NotRegistered", "InvalidRegistration", "MismatchSenderId":
			return ErrInvalidToken
		default:
			return fmt.Errorf("push gateway error: %s", r.Error)
		}
	}
	return nil
}

var _ PushSender = (*HTTPPushSender)(nil)
