package dashboard

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all routes on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	if s.webhook != nil {
		router.POST("/webhook/telegram", s.webhook)
	}
	router.POST("/api/register-chat", s.handleRegisterChat)

	// Widget API, one client per X-Chat-Client key.
	api := router.Group("/api/chat")
	api.POST("/open", s.handleOpen)
	api.GET("/messages", s.withClient(s.handleMessages))
	api.POST("/messages", s.withClient(s.handleSend))
	api.POST("/close", s.withClient(s.handleEnd))
	api.POST("/beacon", s.withClient(s.handleBeacon))
	api.GET("/history/:id", s.withClient(s.handleHistory))
	api.GET("/events", s.withClient(s.handleClientEvents))

	admin := router.Group("/api/admin", s.requireAdmin)
	admin.GET("/chats", s.handleChats)
	admin.GET("/chats/:id", s.handleChat)
	admin.POST("/chats/:id/reply", s.handleReply)
	admin.POST("/chats/:id/close", s.handleClose)
	admin.GET("/events", s.handleAdminEvents)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type registerRequest struct {
	ChatID string `json:"chatId" binding:"required"`
}

// handleRegisterChat makes a session the operator's default chat.
func (s *Server) handleRegisterChat(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatId is required"})
		return
	}
	if s.router != nil {
		s.router.SetActiveChat(req.ChatID)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// requireAdmin checks the bearer token when one is configured.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" {
		return
	}
	got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
}
