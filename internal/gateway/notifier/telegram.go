package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram 通过 Bot API 推送文本，失败时 resty 负责退避重试。
type Telegram struct {
	botToken string
	chatID   string
	client   *resty.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return NewTelegramWithBaseURL(botToken, chatID, defaultTelegramAPI)
}

// NewTelegramWithBaseURL 允许指向自建网关或测试服务器。
func NewTelegramWithBaseURL(botToken, chatID, baseURL string) *Telegram {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == 429
		})
	return &Telegram{botToken: strings.TrimSpace(botToken), chatID: strings.TrimSpace(chatID), client: client}
}

func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" {
		return errors.New("telegram config incomplete")
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetPathParam("token", t.botToken).
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram status=%d", resp.StatusCode())
	}
	return nil
}
