package dashboard

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/diora/switchboard/internal/chat"
	"github.com/diora/switchboard/internal/models"
)

// chatList is the admin chat list payload.
type chatList struct {
	Source chat.Source           `json:"source"`
	Counts map[models.Status]int `json:"counts"`
	Chats  []ChatRow             `json:"chats"`
}

func (s *Server) summarize(chats []models.Chat, src chat.Source) chatList {
	return chatList{
		Source: src,
		Counts: CountByStatus(chats),
		Chats:  ChatSummary(chats, s.clock.Now(), s.staleAfter),
	}
}

// handleChats lists every session, newest first. When the store is
// unreachable the cached copy is served and source says so.
func (s *Server) handleChats(c *gin.Context) {
	chats, src, err := s.repo.Chats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.summarize(chats, src))
}

func (s *Server) handleChat(c *gin.Context) {
	ch, src, err := s.repo.Chat(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.chatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": src, "chat": ch})
}

type replyRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleReply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, _, err := s.repo.Info(ctx, id); err != nil {
		s.chatError(c, err)
		return
	}
	msg, err := s.relay.Reply(ctx, id, strings.TrimSpace(req.Text))
	if err != nil {
		s.logger.Printf("dashboard: reply: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not send reply"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleClose(c *gin.Context) {
	t, err := s.relay.CloseChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.chatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": t.SessionID, "from": t.From, "to": t.To})
}

// handleAdminEvents streams the chat list every time any session changes.
func (s *Server) handleAdminEvents(c *gin.Context) {
	updates, send := latest[chatList]()
	cancel := s.repo.WatchChats(c.Request.Context(), func(chats []models.Chat, src chat.Source) {
		send(s.summarize(chats, src))
	})
	defer cancel()
	stream(c, "chats", updates)
}

func (s *Server) chatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	case errors.Is(err, models.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Printf("dashboard: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}
