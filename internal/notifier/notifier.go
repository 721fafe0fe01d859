// Package notifier
package notifier

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Notifier interface for sending notifications (e.g., Telegram).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
}

// TelegramNotifier pushes operator alerts to a Telegram chat.
type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration
}

func NewTelegramNotifier(token, chatID string, retries int, delay time.Duration) *TelegramNotifier {
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &TelegramNotifier{Token: token, ChatID: chatID, Retries: retries, Delay: delay}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := http.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	var lastErr error
	for i := 1; i <= t.Retries; i++ {
		if lastErr = t.Send(message); lastErr == nil {
			return nil
		}
		log.Printf("Notifier | Send attempt %d/%d failed: %v", i, t.Retries, lastErr)
		time.Sleep(t.Delay)
	}
	return lastErr
}

// Noop discards notifications. Used when no Telegram token is configured.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) Send(string) error          { return nil }
func (Noop) SendWithRetry(string) error { return nil }
