package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/storage"
)

// ErrInvalidAlert rejects malformed alert requests.
var ErrInvalidAlert = errors.New("alerting: invalid alert")

// Fired describes one alert that crossed its threshold.
type Fired struct {
	Alert    model.Alert
	Observed decimal.Decimal
}

// AlertRequest is the subscriber-supplied part of an alert.
type AlertRequest struct {
	SubscriberID   string           `json:"subscriber_id"`
	DeviceToken    string           `json:"device_token"`
	InstrumentCode string           `json:"instrument_code"`
	Field          model.Field      `json:"field"`
	Comparator     model.Comparator `json:"comparator"`
	TargetValue    decimal.Decimal  `json:"target_value"`
}

// Evaluator checks active alerts against every published snapshot.
type Evaluator struct {
	store   storage.AlertStore
	push    PushSender
	clock   clockwork.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewEvaluator wires the evaluator. push may be nil.
func NewEvaluator(store storage.AlertStore, push PushSender, clock clockwork.Clock, m *metrics.Metrics, logger zerolog.Logger) *Evaluator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Evaluator{
		store:   store,
		push:    push,
		clock:   clock,
		metrics: m,
		logger:  logger.With().Str("component", "alert_evaluator").Logger(),
	}
}

// Create validates and stores a new active alert.
func (e *Evaluator) Create(ctx context.Context, req AlertRequest) (model.Alert, error) {
	req.InstrumentCode = strings.ToUpper(strings.TrimSpace(req.InstrumentCode))
	switch {
	case strings.TrimSpace(req.SubscriberID) == "":
		return model.Alert{}, fmt.Errorf("%w: subscriber_id required", ErrInvalidAlert)
	case req.InstrumentCode == "":
		return model.Alert{}, fmt.Errorf("%w: instrument_code required", ErrInvalidAlert)
	case !req.Field.Valid():
		return model.Alert{}, fmt.Errorf("%w: field must be bid or ask", ErrInvalidAlert)
	case !req.Comparator.Valid():
		return model.Alert{}, fmt.Errorf("%w: comparator must be above or below", ErrInvalidAlert)
	}

	return e.store.CreateAlert(ctx, model.Alert{
		ID:             uuid.New(),
		SubscriberID:   req.SubscriberID,
		DeviceToken:    req.DeviceToken,
		InstrumentCode: req.InstrumentCode,
		Field:          req.Field,
		Comparator:     req.Comparator,
		TargetValue:    req.TargetValue,
		Active:         true,
		CreatedAt:      e.clock.Now().UTC(),
	})
}

// List returns every alert owned by subscriberID.
func (e *Evaluator) List(ctx context.Context, subscriberID string) ([]model.Alert, error) {
	return e.store.ListAlertsBySubscriber(ctx, subscriberID)
}

// Reactivate re-arms a fired alert.
func (e *Evaluator) Reactivate(ctx context.Context, id uuid.UUID) error {
	return e.store.ReactivateAlert(ctx, id)
}

// Evaluate fires every active alert whose watched field crosses its target.
// An alert fires at most once per activation.
func (e *Evaluator) Evaluate(ctx context.Context, prices []model.DerivedPrice) ([]Fired, error) {
	if len(prices) == 0 {
		return nil, nil
	}
	alerts, err := e.store.ListActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil, nil
	}

	index := model.Snapshot(prices).Index()
	now := e.clock.Now().UTC()
	var fired []Fired
	for _, alert := range alerts {
		price, ok := index[alert.InstrumentCode]
		if !ok {
			continue
		}
		observed := price.Value(alert.Field)
		if !alert.Matches(observed) {
			continue
		}

		marked, err := e.store.MarkAlertTriggered(ctx, alert.ID, now)
		if err != nil {
			e.metrics.PersistFailed("price_alerts")
			e.logger.Error().Err(err).Str("alert_id", alert.ID.String()).Msg("failed to mark alert triggered")
			continue
		}
		if !marked {
			continue
		}

		alert.Active = false
		alert.TriggeredAt = &now
		fired = append(fired, Fired{Alert: alert, Observed: observed})
		e.metrics.AlertFired()
		e.logger.Info().
			Str("alert_id", alert.ID.String()).
			Str("instrument", alert.InstrumentCode).
			Str("comparator", string(alert.Comparator)).
			Str("target", alert.TargetValue.String()).
			Str("observed", observed.String()).
			Msg("alert fired")
		e.notify(ctx, alert, observed)
	}
	return fired, nil
}

// Run evaluates every snapshot received on updates until it closes or ctx ends.
func (e *Evaluator) Run(ctx context.Context, updates <-chan []model.DerivedPrice) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case prices, ok := <-updates:
			if !ok {
				return nil
			}
			if _, err := e.Evaluate(ctx, prices); err != nil {
				e.logger.Error().Err(err).Msg("alert evaluation failed")
			}
		}
	}
}

func (e *Evaluator) notify(ctx context.Context, alert model.Alert, observed decimal.Decimal) {
	if e.push == nil || alert.DeviceToken == "" {
		return
	}
	msg := PushMessage{
		Token: alert.DeviceToken,
		Title: fmt.Sprintf("%s %s %s", alert.InstrumentCode, alert.Comparator, alert.TargetValue.String()),
		Body:  fmt.Sprintf("%s is now %s", alert.Field, observed.String()),
		Data: map[string]string{
			"alert_id":   alert.ID.String(),
			"instrument": alert.InstrumentCode,
			"comparator": string(alert.Comparator),
			"target":     alert.TargetValue.String(),
			"observed":   observed.String(),
		},
	}
	err := e.push.Send(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidToken):
		e.metrics.PushFailed("invalid_token")
		e.logger.Warn().Str("alert_id", alert.ID.String()).Msg("device token rejected, skipping push")
	default:
		e.metrics.PushFailed("send")
		e.logger.Error().Err(err).Str("alert_id", alert.ID.String()).Msg("push delivery failed")
	}
}
