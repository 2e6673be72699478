package dashboard

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/session"
	"github.com/diora/switchboard/internal/widget"
)

// ClientHeader carries the widget client key. /api/chat/open assigns one
// when the request has none.
const ClientHeader = "X-Chat-Client"

// maxClientKey bounds client keys so per-client cache keys fit the
// cache_entries key column.
const maxClientKey = 48

// validClientKey accepts keys of letters, digits, '-' and '_'.
func validClientKey(key string) bool {
	if key == "" || len(key) > maxClientKey {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// clientState is the widget's view returned by most widget endpoints.
type clientState struct {
	ClientKey string `json:"clientKey,omitempty"`
	widget.Update
}

func state(w *widget.Widget) clientState {
	return clientState{Update: widget.Update{
		SessionID: w.SessionID(),
		Status:    w.Status(),
		Messages:  w.Messages(),
	}}
}

// withClient resolves the widget for the request's client key. Every hit
// restarts the client's TTL.
func (s *Server) withClient(h func(*gin.Context, *widget.Widget)) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(ClientHeader)
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + ClientHeader + " header"})
			return
		}
		w, ok := s.clients.Get(key)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open chat for this client"})
			return
		}
		s.clients.Add(key, w)
		h(c, w)
	}
}

type openRequest struct {
	UserID string `json:"userId"`
}

// handleOpen starts or resumes the client's chat.
func (s *Server) handleOpen(c *gin.Context) {
	var req openRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	key := c.GetHeader(ClientHeader)
	if key == "" {
		key = uuid.NewString()
	}
	if !validClientKey(key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + ClientHeader + " header"})
		return
	}
	w, ok := s.clients.Get(key)
	if !ok {
		var err error
		if w, err = s.newWidget(key); err != nil {
			s.logger.Printf("dashboard: new widget: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start chat"})
			return
		}
		s.clients.Add(key, w)
		s.metrics.Clients(s.clients.Len())
	}

	userID := req.UserID
	if userID == "" {
		userID = key
	}
	// The session outlives this request: its watches and timers keep running.
	ctx := context.WithoutCancel(c.Request.Context())
	if _, err := w.Open(ctx, userID); err != nil {
		s.logger.Printf("dashboard: open chat: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start chat"})
		return
	}
	st := state(w)
	st.ClientKey = key
	c.Header(ClientHeader, key)
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleMessages(c *gin.Context, w *widget.Widget) {
	c.JSON(http.StatusOK, state(w))
}

type sendRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleSend(c *gin.Context, w *widget.Widget) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	msg, err := w.Send(context.WithoutCancel(c.Request.Context()), req.Text)
	switch {
	case errors.Is(err, session.ErrNoSession):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Printf("dashboard: send: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not send message"})
	default:
		c.JSON(http.StatusCreated, msg)
	}
}

func (s *Server) handleEnd(c *gin.Context, w *widget.Widget) {
	if err := w.End(c.Request.Context()); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.logger.Printf("dashboard: end chat: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not end chat"})
		return
	}
	c.JSON(http.StatusOK, state(w))
}

// handleBeacon answers at once; the close happens in the background.
func (s *Server) handleBeacon(c *gin.Context, w *widget.Widget) {
	w.Unload()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHistory(c *gin.Context, w *widget.Widget) {
	msgs, err := w.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleClientEvents(c *gin.Context, w *widget.Widget) {
	updates, send := latest[widget.Update]()
	cancel := w.Subscribe(send)
	defer cancel()
	send(state(w).Update)
	stream(c, "update", updates)
}
