package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Notice kinds.
const (
	KindFailover     = "failover"
	KindConnectivity = "connectivity"
)

// Notification 封装运维通知上下文。
type Notification struct {
	Kind      string
	At        time.Time
	Source    string
	From      string
	To        string
	Reason    string
	Connected bool
	Detail    string
}

// Notifier 定义运维通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   client,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": n.chatID,
			"text":    renderMessage(note),
		}).
		SetResult(&result).
		Post(fmt.Sprintf("/bot%s/sendMessage", n.botToken))
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode())
	}
	if !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Str("kind", note.Kind).
		Str("source", note.Source).
		Str("to", note.To).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[pricefeed]\n")
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	switch note.Kind {
	case KindFailover:
		builder.WriteString(fmt.Sprintf("Active source: %s -> %s\n", note.From, note.To))
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	case KindConnectivity:
		state := "disconnected"
		if note.Connected {
			state = "connected"
		}
		builder.WriteString(fmt.Sprintf("Source %s is %s\n", note.Source, state))
	default:
		builder.WriteString(fmt.Sprintf("Event: %s\n", note.Kind))
	}
	if note.Detail != "" {
		builder.WriteString(note.Detail)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
