// Package possetest provides an in-process possel server for tests.
package possetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/possel-client/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const sessionCookieName = "token"

// PostedLine records a POST /line request.
type PostedLine struct {
	Buffer  chat.BufferID `json:"buffer"`
	Content string        `json:"content"`
}

// JoinRequest records a POST /buffer request.
type JoinRequest struct {
	Server chat.BufferID `json:"server"`
	Name   string        `json:"name"`
}

// Server is a scripted possel server backed by httptest.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	users       map[chat.UserID]chat.User
	buffers     []chat.Buffer
	lines       []chat.Line
	lineDelays  map[chat.LineID]time.Duration
	failures    map[string]int
	requests    []string
	posted      []PostedLine
	joins       []JoinRequest
	credentials map[string]string
	tokens      *tokenAuthority
	conns       map[*websocket.Conn]struct{}
	connected   chan struct{}
	nextLineID  chat.LineID
	broadcast   bool
	upgrader    websocket.Upgrader
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	server := &Server{
		users:       make(map[chat.UserID]chat.User),
		lineDelays:  make(map[chat.LineID]time.Duration),
		failures:    make(map[string]int),
		credentials: make(map[string]string),
		tokens:      newTokenAuthority(),
		conns:       make(map[*websocket.Conn]struct{}),
		connected:   make(chan struct{}, 64),
		broadcast:   true,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(server.recordRequest, server.injectFailures, server.authorize)
	router.GET("/user/:id", server.handleUsers)
	router.GET("/buffer/:id", server.handleBuffers)
	router.POST("/buffer", server.handleJoin)
	router.GET("/line", server.handleLines)
	router.POST("/line", server.handlePostLine)
	router.POST("/session", server.handleLogin)
	router.GET("/session", server.handleVerify)
	router.GET("/push", server.handlePush)

	server.Server = httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

// Close drops push connections and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

// PushURL returns the websocket url of the push endpoint.
func (s *Server) PushURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/push"
}

// AddUser registers a user.
func (s *Server) AddUser(user chat.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// AddBuffer registers a buffer. Buffers are listed in insertion order.
func (s *Server) AddBuffer(buffer chat.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = append(s.buffers, buffer)
}

// AddLine registers a line.
func (s *Server) AddLine(line chat.Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if line.ID > s.nextLineID {
		s.nextLineID = line.ID
	}
}

// DelayLine makes GET /line?id= for the given line wait before answering.
func (s *Server) DelayLine(id chat.LineID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineDelays[id] = delay
}

// FailNext answers the next n requests whose URI starts with prefix with 503.
func (s *Server) FailNext(prefix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[prefix] = n
}

// RequireLogin enables session checks and registers credentials.
func (s *Server) RequireLogin(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[username] = password
}

// IssueToken returns a signed session token the server accepts.
func (s *Server) IssueToken() string {
	token, err := s.tokens.issue("possetest")
	if err != nil {
		panic(err)
	}
	return token
}

// SetBroadcastOnPost controls whether POST /line creates a line and pushes it.
func (s *Server) SetBroadcastOnPost(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = enabled
}

// Requests returns the request URIs received so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// RequestsWithPrefix returns the request URIs starting with prefix.
func (s *Server) RequestsWithPrefix(prefix string) []string {
	var matched []string
	for _, uri := range s.Requests() {
		if strings.HasPrefix(uri, prefix) {
			matched = append(matched, uri)
		}
	}
	return matched
}

// Posted returns the lines submitted through POST /line.
func (s *Server) Posted() []PostedLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PostedLine(nil), s.posted...)
}

// Joins returns the join requests received.
func (s *Server) Joins() []JoinRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JoinRequest(nil), s.joins...)
}

// WaitForConnection blocks until a push client connects or the timeout expires.
func (s *Server) WaitForConnection(timeout time.Duration) bool {
	select {
	case <-s.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Push sends a notification to every connected push client.
func (s *Server) Push(notification chat.Notification) {
	payload, err := json.Marshal(notification)
	if err != nil {
		return
	}
	s.PushRaw(payload)
}

// PushRaw sends an arbitrary text frame to every connected push client.
func (s *Server) PushRaw(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
}

// DropConnections closes every push connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

func (s *Server) recordRequest(c *gin.Context) {
	s.mu.Lock()
	s.requests = append(s.requests, c.Request.Method+" "+c.Request.URL.RequestURI())
	s.mu.Unlock()
	c.Next()
}

func (s *Server) injectFailures(c *gin.Context) {
	uri := c.Request.URL.RequestURI()
	s.mu.Lock()
	for prefix, remaining := range s.failures {
		if remaining > 0 && strings.HasPrefix(uri, prefix) {
			s.failures[prefix] = remaining - 1
			s.mu.Unlock()
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
			return
		}
	}
	s.mu.Unlock()
	c.Next()
}

func (s *Server) authorize(c *gin.Context) {
	if c.Request.URL.Path == "/session" && c.Request.Method == http.MethodPost {
		c.Next()
		return
	}
	s.mu.Lock()
	required := len(s.credentials) > 0
	s.mu.Unlock()
	if !required {
		c.Next()
		return
	}
	cookie, err := c.Request.Cookie(sessionCookieName)
	if err != nil || !s.validToken(cookie.Value) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) validToken(token string) bool {
	return s.tokens.validate(token) == nil
}

func (s *Server) handleUsers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]chat.User, 0, len(s.users))
	if c.Param("id") == "all" {
		for _, user := range s.users {
			users = append(users, user)
		}
		sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	} else if id, err := chat.ParseUserID(c.Param("id")); err == nil {
		if user, ok := s.users[id]; ok {
			users = append(users, user)
		}
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) handleBuffers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buffers := make([]chat.Buffer, 0, len(s.buffers))
	for _, buffer := range s.buffers {
		if c.Param("id") == "all" || c.Param("id") == buffer.ID.String() {
			buffers = append(buffers, buffer)
		}
	}
	c.JSON(http.StatusOK, buffers)
}

func (s *Server) handleJoin(c *gin.Context) {
	var request JoinRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	s.joins = append(s.joins, request)
	s.mu.Unlock()
	c.Status(http.StatusOK)
}

// handleLines mirrors the server's filter semantics, including the inclusive after bound.
func (s *Server) handleLines(c *gin.Context) {
	idParam, afterParam, beforeParam := c.Query("id"), c.Query("after"), c.Query("before")
	last := c.Query("last") != ""
	if idParam == "" && afterParam == "" && beforeParam == "" && !last {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if idParam != "" {
		if id, err := chat.ParseLineID(idParam); err == nil {
			s.mu.Lock()
			delay := s.lineDelays[id]
			s.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]chat.Line, 0)
	for _, line := range s.lines {
		if idParam != "" && line.ID.String() != idParam {
			continue
		}
		if afterParam != "" {
			after, err := strconv.ParseInt(afterParam, 10, 64)
			if err != nil || int64(line.ID) < after {
				continue
			}
		}
		if beforeParam != "" {
			before, err := strconv.ParseInt(beforeParam, 10, 64)
			if err != nil || int64(line.ID) > before {
				continue
			}
		}
		if kind := c.Query("kind"); kind != "" && string(line.Kind) != kind {
			continue
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	if last && len(lines) > 0 {
		lines = lines[len(lines)-1:]
	}
	c.JSON(http.StatusOK, lines)
}

func (s *Server) handlePostLine(c *gin.Context) {
	var request PostedLine
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	s.posted = append(s.posted, request)
	broadcast := s.broadcast
	var created chat.Line
	if broadcast {
		s.nextLineID++
		created = chat.Line{
			ID:        s.nextLineID,
			Buffer:    request.Buffer,
			Kind:      chat.LineKindMessage,
			Content:   request.Content,
			Timestamp: chat.NewTimestamp(time.Now()),
		}
		s.lines = append(s.lines, created)
	}
	s.mu.Unlock()

	c.Status(http.StatusOK)
	if broadcast {
		s.Push(chat.Notification{Type: chat.NotificationLine, Line: created.ID, Buffer: created.Buffer})
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var request struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	expected, ok := s.credentials[request.Username]
	if !ok || expected != request.Password {
		s.mu.Unlock()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_failed"})
		return
	}
	s.mu.Unlock()
	token, err := s.tokens.issue(request.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_failed"})
		return
	}

	c.SetCookie(sessionCookieName, token, 3600, "/", "", false, true)
	c.Status(http.StatusOK)
}

func (s *Server) handleVerify(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePush(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	lastLine := int64(-1)
	for _, line := range s.lines {
		if int64(line.ID) > lastLine {
			lastLine = int64(line.ID)
		}
	}
	_ = conn.WriteJSON(gin.H{"type": "last_line", "line": lastLine})
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	select {
	case s.connected <- struct{}{}:
	default:
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}
