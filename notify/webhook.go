package notify

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const webhookTimeout = 10 * time.Second

type webhookPayload struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// WebhookSink posts rendered messages to an HTTP endpoint. It is the
// default transport; a chat frontend can replace it behind the Sink
// interface.
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink builds a sink for the given endpoint. token, when set, is
// sent as a bearer credential.
func NewWebhookSink(url, token string) *WebhookSink {
	client := resty.New().SetTimeout(webhookTimeout)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &WebhookSink{client: client, url: url}
}

// SendMessage posts one message. Any non-2xx response counts as a failed
// delivery attempt.
func (s *WebhookSink) SendMessage(chatID int64, text string) bool {
	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{ChatID: chatID, Text: text, Timestamp: time.Now().UnixMilli()}).
		Post(s.url)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Webhook delivery failed")
		return false
	}
	if resp.IsError() {
		log.Warn().Int("status", resp.StatusCode()).Int64("chat_id", chatID).Msg("Webhook delivery rejected")
		return false
	}
	return true
}

// LogSink writes messages to the application log. Used when no webhook URL
// is configured.
type LogSink struct{}

// SendMessage logs the message and reports success.
func (LogSink) SendMessage(chatID int64, text string) bool {
	log.Info().Int64("chat_id", chatID).Str("text", text).Msg("Notification")
	return true
}
