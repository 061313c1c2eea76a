// Package view serves the materialized session over local HTTP for external front ends.
package view

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/MarcoPoloResearchLab/possel-client/internal/reconcile"
	"github.com/MarcoPoloResearchLab/possel-client/internal/render"
	"github.com/MarcoPoloResearchLab/possel-client/internal/store"
	"github.com/MarcoPoloResearchLab/possel-client/internal/transcript"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 15 * time.Second

var (
	errMissingStore      = errors.New("store dependency required")
	errMissingState      = errors.New("session state dependency required")
	errMissingDispatcher = errors.New("event dispatcher dependency required")
	errMissingPoster     = errors.New("line poster dependency required")
)

type LinePoster interface {
	PostLine(ctx context.Context, bufferID chat.BufferID, content string) error
}

type TranscriptReader interface {
	Recent(ctx context.Context, buffer chat.BufferID, limit int) ([]transcript.Entry, error)
}

type Dependencies struct {
	Store             *store.Store
	State             *reconcile.State
	Events            *render.Dispatcher
	Poster            LinePoster
	Transcript        TranscriptReader
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.State == nil {
		return nil, errMissingState
	}
	if deps.Events == nil {
		return nil, errMissingDispatcher
	}
	if deps.Poster == nil {
		return nil, errMissingPoster
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		store:      deps.Store,
		state:      deps.State,
		events:     deps.Events,
		poster:     deps.Poster,
		transcript: deps.Transcript,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/buffers", handler.handleBuffers)
	router.GET("/buffers/:id/lines", handler.handleBufferLines)
	router.POST("/buffers/:id/lines", handler.handlePostLine)
	router.PUT("/active", handler.handleSetActive)
	router.GET("/users", handler.handleUsers)
	router.GET("/events", handler.handleEvents)
	if deps.Transcript != nil {
		router.GET("/transcript/:id", handler.handleTranscript)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  allowLoopbackOrigin,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func allowLoopbackOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost:", "http://127.0.0.1:", "http://[::1]:"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

type httpHandler struct {
	store      *store.Store
	state      *reconcile.State
	events     *render.Dispatcher
	poster     LinePoster
	transcript TranscriptReader
	heartbeat  time.Duration
	logger     *zap.Logger
}

type bufferPayload struct {
	chat.Buffer
	Position int  `json:"position"`
	Active   bool `json:"active"`
}

type linePayload struct {
	chat.Line
	Author chat.User `json:"author"`
}

type postLineRequest struct {
	Content string `json:"content"`
}

type setActiveRequest struct {
	Buffer chat.BufferID `json:"buffer"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"stats":          h.state.Stats(),
		"dropped_events": h.events.Dropped(),
	})
}

func (h *httpHandler) handleBuffers(c *gin.Context) {
	active := h.state.Active()
	navigation := h.state.Navigation()
	response := make([]bufferPayload, 0, len(navigation))
	for position, id := range navigation {
		buffer, ok := h.store.Buffer(id)
		if !ok {
			continue
		}
		response = append(response, bufferPayload{Buffer: buffer, Position: position, Active: id == active})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleBufferLines(c *gin.Context) {
	buffer, ok := h.lookupBuffer(c)
	if !ok {
		return
	}
	lines := h.store.LinesForBuffer(buffer.ID)
	response := make([]linePayload, 0, len(lines))
	for _, line := range lines {
		author := chat.AnonymousUser()
		if userID := line.UserID(); userID != 0 {
			if user, found := h.store.User(userID); found {
				author = user
			}
		}
		response = append(response, linePayload{Line: line, Author: author})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePostLine(c *gin.Context) {
	buffer, ok := h.lookupBuffer(c)
	if !ok {
		return
	}
	var request postLineRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.poster.PostLine(c.Request.Context(), buffer.ID, request.Content); err != nil {
		h.logger.Error("failed to post line", zap.Int64("buffer_id", int64(buffer.ID)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "post_failed"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleSetActive(c *gin.Context) {
	var request setActiveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.state.SetActive(request.Buffer); err != nil {
		if errors.Is(err, reconcile.ErrUnknownBuffer) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_buffer"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "set_active_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": request.Buffer})
}

func (h *httpHandler) handleUsers(c *gin.Context) {
	users := h.store.Users()
	response := make([]chat.User, 0, len(users))
	for _, user := range users {
		response = append(response, user)
	}
	sort.Slice(response, func(i, j int) bool { return response[i].ID < response[j].ID })
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleTranscript(c *gin.Context) {
	id, err := chat.ParseBufferID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_buffer"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	entries, err := h.transcript.Recent(c.Request.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to read transcript", zap.Int64("buffer_id", int64(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript_failed"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *httpHandler) lookupBuffer(c *gin.Context) (chat.Buffer, bool) {
	id, err := chat.ParseBufferID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_buffer"})
		return chat.Buffer{}, false
	}
	buffer, ok := h.store.Buffer(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_buffer"})
		return chat.Buffer{}, false
	}
	return buffer, true
}
