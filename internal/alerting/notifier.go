package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"subgraph-lag-monitor/internal/logging"
)

// Notification 封装一次延迟告警的上下文。
type Notification struct {
	Group         string
	Series        string
	Lag           uint64
	Threshold     uint64
	Timestamp     time.Time
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result telegramResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Description != "" {
			return fmt.Errorf("telegram status %d: %s", resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}
	if decodeErr == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().Str("group", note.Group).
		Str("series", note.Series).
		Uint64("lag", note.Lag).
		Uint64("threshold", note.Threshold).
		Msg("lag alert sent (Telegram)")
	return nil
}

// telegramResponse 是 Bot API 的通用响应外壳。
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Subgraph Lag Alert]\n")
	builder.WriteString(fmt.Sprintf("Group: %s\n", note.Group))
	builder.WriteString(fmt.Sprintf("Series: %s\n", note.Series))
	if note.Lag > note.Threshold {
		builder.WriteString(fmt.Sprintf("Lag: %d blocks (threshold %d, +%d)\n", note.Lag, note.Threshold, note.Lag-note.Threshold))
	} else {
		builder.WriteString(fmt.Sprintf("Lag: %d blocks (threshold %d)\n", note.Lag, note.Threshold))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.Timestamp.UTC().Format(time.RFC3339)))
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
