// Package api serves the health journal, unit states and knowledge trends
// over HTTP, streams cycle reports over a websocket and mounts the MCP
// endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jamesprial/raspi-doctor/internal/auth"
	"github.com/jamesprial/raspi-doctor/internal/cycle"
	"github.com/jamesprial/raspi-doctor/internal/journal"
	"github.com/jamesprial/raspi-doctor/internal/knowledge"
	"github.com/jamesprial/raspi-doctor/internal/report"
)

// Options configure the router. Hub, MCP and Last are optional.
type Options struct {
	Service *report.Service
	Token   string
	Hub     *Hub
	MCP     http.Handler
	// Last returns the most recent cycle report, if cycles run in-process.
	Last   func() *cycle.Report
	Logger zerolog.Logger
}

type handlers struct {
	svc  *report.Service
	last func() *cycle.Report
}

// NewRouter builds the gin engine. Everything but /healthz requires the
// bearer token; /ws also accepts it as a token query parameter since
// browsers cannot set headers on websocket requests.
func NewRouter(opts Options) *gin.Engine {
	h := &handlers{svc: opts.Service, last: opts.Last}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Logger))

	r.GET("/healthz", h.healthz)

	if opts.Hub != nil {
		r.GET("/ws", wsAuth(opts.Token), opts.Hub.Handle)
	}

	authed := r.Group("/", auth.Gin(opts.Token))
	if opts.MCP != nil {
		authed.Any("/mcp", gin.WrapH(opts.MCP))
	}

	v2 := authed.Group("/api/v2")
	v2.GET("/readings/:category/latest", h.latest)
	v2.GET("/readings/:category", h.history)
	v2.GET("/actions", h.actions)
	v2.GET("/actions/:name/success-rate", h.successRate)
	v2.GET("/units", h.units)
	v2.GET("/trends/:metric", h.trend)

	return r
}

func wsAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if q := c.Query("token"); header == "" && q != "" {
			header = "Bearer " + q
		}
		if !auth.Authorized(token, header) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "api").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// statusOf maps query errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, journal.ErrUnknownCategory),
		errors.Is(err, report.ErrNotFound),
		errors.Is(err, knowledge.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, report.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

// queryInt reads a positive integer query parameter. It returns def when the
// parameter is absent and false after answering 400 when it is malformed.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return n, true
}

func (h *handlers) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.last != nil {
		if rep := h.last(); rep != nil {
			body["last_cycle"] = gin.H{
				"cycle_id":    rep.CycleID,
				"finished_at": rep.FinishedAt,
				"conditions":  len(rep.Conditions),
				"actions":     len(rep.Actions),
			}
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) latest(c *gin.Context) {
	r, err := h.svc.Latest(c.Param("category"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handlers) history(c *gin.Context) {
	window, ok := queryInt(c, "window", report.DefaultHistoryWindow)
	if !ok {
		return
	}
	rs, err := h.svc.History(c.Param("category"), window)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h *handlers) actions(c *gin.Context) {
	limit, ok := queryInt(c, "limit", report.DefaultActionLimit)
	if !ok {
		return
	}
	acts, err := h.svc.RecentActions(limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acts)
}

func (h *handlers) units(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Units())
}

func (h *handlers) trend(c *gin.Context) {
	hours, ok := queryInt(c, "hours", report.DefaultTrendHours)
	if !ok {
		return
	}
	tr, err := h.svc.Trend(c.Request.Context(), c.Param("metric"), hours)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

func (h *handlers) successRate(c *gin.Context) {
	rate, err := h.svc.SuccessRate(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rate)
}
