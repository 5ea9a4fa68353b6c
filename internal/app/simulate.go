package app

import (
	"context"
	"errors"
	"time"

	"pricefeed/internal/alerting"
	"pricefeed/internal/model"
)

// SimulateFailover 通过配置的通知通道发送一次模拟的数据源切换通知。
func (a *App) SimulateFailover(ctx context.Context, from, to model.Source) error {
	if !from.Valid() || !to.Valid() || from == to {
		return errors.New("--from 与 --to 必须是 primary/fallback 且互不相同")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	return notifier.Notify(ctx, alerting.Notification{
		Kind:   alerting.KindFailover,
		At:     time.Now().UTC(),
		From:   string(from),
		To:     string(to),
		Reason: "simulated",
	})
}
