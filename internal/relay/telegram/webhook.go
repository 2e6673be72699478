package telegram

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Webhook receives pushed updates. Anything that is not a text message from
// the operator chat is acknowledged with 200 and ignored, so Telegram does not
// redeliver it.
type Webhook struct {
	chatID string
	secret string
	handle func(context.Context, Message) error
	logger *log.Logger
}

// WebhookOpts holds parameters for creating a Webhook.
type WebhookOpts struct {
	ChatID string
	Secret string // optional; when set, requests must carry it in SecretHeader
	Handle func(context.Context, Message) error
	Logger *log.Logger
}

// NewWebhook creates a Webhook.
func NewWebhook(opts WebhookOpts) (*Webhook, error) {
	if opts.ChatID == "" {
		return nil, fmt.Errorf("telegram: chat id is required")
	}
	if opts.Handle == nil {
		return nil, fmt.Errorf("telegram: handle func is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Webhook{chatID: opts.ChatID, secret: opts.Secret, handle: opts.Handle, logger: logger}, nil
}

// Handler is the gin handler for POST /webhook/telegram.
func (w *Webhook) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if w.secret != "" {
			got := c.GetHeader(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
				return
			}
		}
		var u Update
		if err := c.ShouldBindJSON(&u); err != nil {
			w.logger.Printf("telegram: webhook: ignoring undecodable update: %v", err)
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		m, ok := operatorMessage(u, w.chatID)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}
		if err := w.handle(c.Request.Context(), *m); err != nil {
			w.logger.Printf("telegram: webhook: update %d: %v", u.UpdateID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
