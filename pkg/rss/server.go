package rss

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// errorBody is the JSON body of a failed request. Code lets clients recover the sentinel.
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type publicKeyBody struct {
	Label     string                   `json:"label"`
	PublicKey *curve.MarshallablePoint `json:"publicKey"`
}

// Server exposes a Node over HTTP.
type Server struct {
	node     *Node
	logger   *zap.Logger
	engine   *gin.Engine
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	refreshes *prometheus.CounterVec
}

// NewServer registers its metrics on a registry of its own, served under /metrics.
func NewServer(node *Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		node:     node,
		logger:   logger,
		engine:   gin.New(),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rss",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "path", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rss",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "path"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rss",
			Subsystem: "node",
			Name:      "refreshes_total",
			Help:      "Refresh requests served, by outcome",
		}, []string{"outcome"}),
	}
	s.registry.MustRegister(s.requests, s.durations, s.refreshes)

	s.engine.Use(gin.Recovery(), s.requestID(), s.accessLog(), s.metrics())
	s.engine.POST("/v1/keys", s.storeKeyShare)
	s.engine.GET("/v1/keys", s.publicKey)
	s.engine.POST("/v1/refresh", s.refresh)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Registry returns the registry holding the server's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			s.logger.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			s.logger.Warn("request rejected", fields...)
		default:
			s.logger.Debug("request served", fields...)
		}
	}
}

func (s *Server) metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		s.durations.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) storeKeyShare(c *gin.Context) {
	var share KeyShare
	if !s.decode(c, &share) {
		return
	}
	if err := s.node.StoreKeyShare(c.Request.Context(), &share); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) publicKey(c *gin.Context) {
	label := c.Query("label")
	if label == "" {
		s.fail(c, ErrInvalidRequest)
		return
	}
	pub, err := s.node.KeyPublicKey(c.Request.Context(), label)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, http.StatusOK, &publicKeyBody{Label: label, PublicKey: curve.NewMarshallablePoint(pub)})
}

func (s *Server) refresh(c *gin.Context) {
	var req RefreshRequest
	if !s.decode(c, &req) {
		s.refreshes.WithLabelValues("invalid").Inc()
		return
	}
	resp, err := s.node.Refresh(c.Request.Context(), &req)
	if err != nil {
		s.refreshes.WithLabelValues(errorCode(err)).Inc()
		s.fail(c, err)
		return
	}
	s.refreshes.WithLabelValues("ok").Inc()
	s.respond(c, http.StatusOK, resp)
}

func (s *Server) decode(c *gin.Context, v interface{}) bool {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		_ = c.Error(err)
		s.respond(c, http.StatusBadRequest, &errorBody{Code: errorCode(ErrInvalidRequest), Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) respond(c *gin.Context, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json", data)
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	s.respond(c, statusOf(err), &errorBody{Code: errorCode(err), Error: err.Error()})
}

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrUnknownLabel, "unknown_label", http.StatusNotFound},
	{ErrNotSelected, "not_selected", http.StatusForbidden},
	{ErrUnauthorized, "unauthorized", http.StatusUnauthorized},
	{ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
	{ErrRecordExists, "record_exists", http.StatusConflict},
}

func errorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}

func statusOf(err error) int {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// errorOf maps an error body back to its sentinel.
func errorOf(body *errorBody) error {
	for _, e := range errorCodes {
		if e.code == body.Code {
			return e.err
		}
	}
	return errors.New(body.Error)
}
