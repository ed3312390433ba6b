// Package mockserver is a stand-in for the background-removal service,
// exposing the same upload, details and event-stream surface. It backs the
// `bgprobe mock` command and the integration tests, so batches can be
// exercised without the real backend.
package mockserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/osvaldoandrade/bgprobe/pkg/domain"
)

type Options struct {
	// APIKey guards the authenticated upload variant. Empty disables it.
	APIKey string
	// ProcessingDelay is how long after a subscribe a task takes to reach
	// its terminal status.
	ProcessingDelay time.Duration
	// FailEveryN makes every Nth accepted upload terminate failed instead
	// of success. 0 means every task succeeds.
	FailEveryN int
}

type taskRecord struct {
	TaskGroup string            `json:"task_group"`
	Country   string            `json:"country"`
	Status    domain.TaskStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`

	final domain.TaskStatus
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	tasks   map[string]*taskRecord
	uploads int
}

func New(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProcessingDelay <= 0 {
		opts.ProcessingDelay = 50 * time.Millisecond
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		opts:   opts,
		logger: logger,
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		tasks: make(map[string]*taskRecord),
	}

	s.engine.Use(gin.Recovery(), requestIDMiddleware())
	s.engine.POST("/v1/bp/u/", s.handleUpload)
	s.engine.POST("/v1/remove-background/upload/", s.requireAPIKey, s.handleUpload)
	s.engine.GET("/v1/remove-background/details/:task_id/", s.handleDetails)
	s.engine.GET("/ws/remove-background/:task_group/", s.handleStream)
	return s
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler { return s.engine }

// Run blocks serving on addr until the listener fails.
func (s *Server) Run(addr string) error { return s.engine.Run(addr) }

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			b := make([]byte, 16)
			if _, err := rand.Read(b); err == nil {
				reqID = hex.EncodeToString(b)
			}
		}
		c.Writer.Header().Set("X-Request-Id", reqID)
		c.Set("request_id", reqID)
		c.Next()
	}
}

func (s *Server) requireAPIKey(c *gin.Context) {
	if s.opts.APIKey == "" || c.Query("api_key") != s.opts.APIKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"status":      "failed",
			"status_code": "invalid_api_key",
			"message":     "A valid api_key query parameter is required.",
		})
		return
	}
	c.Next()
}

func (s *Server) handleUpload(c *gin.Context) {
	file, err := c.FormFile("original_image")
	if err != nil || file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":      "failed",
			"status_code": "missing_image",
			"message":     "The 'original_image' file field is required.",
		})
		return
	}
	group := c.PostForm("task_group")
	if group == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":      "failed",
			"status_code": "missing_task_group",
			"message":     "The 'task_group' field is required.",
		})
		return
	}

	key := uuid.NewString()
	rec := &taskRecord{
		TaskGroup: group,
		Country:   c.PostForm("country"),
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
		final:     domain.StatusSuccess,
	}

	s.mu.Lock()
	s.uploads++
	if s.opts.FailEveryN > 0 && s.uploads%s.opts.FailEveryN == 0 {
		rec.final = domain.StatusFailed
	}
	s.tasks[key] = rec
	s.mu.Unlock()

	s.logger.Debug("upload accepted", "task", key, "task_group", group)
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"status_code": "upload_successful",
		"message":     "Image queued for background removal.",
		"data":        gin.H{"key": key},
	})
}

func (s *Server) handleDetails(c *gin.Context) {
	taskID := c.Param("task_id")
	s.mu.Lock()
	rec, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"status":      "failed",
			"status_code": "task_not_found",
			"message":     "No task with that id.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"status_code": "task_details",
		"message":     "Task details.",
		"data": gin.H{
			"key":        taskID,
			"task_group": rec.TaskGroup,
			"country":    rec.Country,
			"status":     rec.Status,
			"created_at": rec.CreatedAt,
		},
	})
}

type wsFrame struct {
	Status     string         `json:"status"`
	StatusCode string         `json:"status_code"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

func (s *Server) handleStream(c *gin.Context) {
	group := c.Param("task_group")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	var wmu sync.Mutex

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var sub struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &sub); err != nil || sub.Key == "" {
			s.writeFrame(conn, &wmu, wsFrame{
				Status:     "failed",
				StatusCode: "invalid_message_format",
				Message:    `Messages must look like {"key": "<task id>"}.`,
			})
			continue
		}

		s.mu.Lock()
		rec, ok := s.tasks[sub.Key]
		s.mu.Unlock()
		if !ok || rec.TaskGroup != group {
			s.writeFrame(conn, &wmu, wsFrame{
				Status:     "failed",
				StatusCode: "invalid_key_format",
				Message:    "Unknown task key for this group.",
			})
			continue
		}

		s.setStatus(sub.Key, domain.StatusProcessing)
		s.writeFrame(conn, &wmu, wsFrame{
			Status:     string(domain.StatusProcessing),
			StatusCode: "processing",
			Message:    "Background removal in progress.",
			Data:       map[string]any{"key": sub.Key},
		})

		go s.finishTask(ctx, conn, &wmu, sub.Key, rec.final)
	}
}

func (s *Server) finishTask(ctx context.Context, conn *websocket.Conn, wmu *sync.Mutex, key string, final domain.TaskStatus) {
	timer := time.NewTimer(s.opts.ProcessingDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.setStatus(key, final)
	frame := wsFrame{
		Status:     string(final),
		StatusCode: "background_removal_successful",
		Message:    "Background removed.",
		Data:       map[string]any{"key": key},
	}
	if final == domain.StatusFailed {
		frame.StatusCode = "background_removal_failed"
		frame.Message = "Background removal failed."
	}
	s.writeFrame(conn, wmu, frame)
}

func (s *Server) setStatus(key string, status domain.TaskStatus) {
	s.mu.Lock()
	if rec, ok := s.tasks[key]; ok {
		rec.Status = status
	}
	s.mu.Unlock()
}

func (s *Server) writeFrame(conn *websocket.Conn, wmu *sync.Mutex, frame wsFrame) {
	wmu.Lock()
	defer wmu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		s.logger.Debug("stream write failed", "err", err)
	}
}
