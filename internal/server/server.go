// Package server exposes a read-only status API for an active research run.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/researcher/internal/citation"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/queue"
	"github.com/rs/zerolog"
)

// QueueView is the read side of the queue manager.
type QueueView interface {
	Stats() queue.Stats
	Blocks() []queue.TopicBlock
	Block(id string) (queue.TopicBlock, bool)
	PrimaryTopic() string
}

// CitationView lists ledger entries.
type CitationView interface {
	Entries() []citation.Entry
	ForBlock(blockID string) []citation.Entry
}

// EventSource returns the newest progress envelopes.
type EventSource interface {
	Recent(ctx context.Context, n int64) ([]progress.Envelope, error)
}

// Config wires a Status server. Events and Metrics are optional.
type Config struct {
	RunID     string
	Queue     QueueView
	Citations CitationView
	Events    EventSource
	Metrics   http.Handler
}

// WithEvents sets Events only when src is a non-nil stream sink.
func (c Config) WithEvents(src *progress.StreamSink) Config {
	if src != nil {
		c.Events = src
	}
	return c
}

// Status serves /healthz, /metrics, /queue, /queue/:id, /citations and /events.
type Status struct {
	cfg  Config
	echo *echo.Echo
	log  zerolog.Logger
}

// New builds the echo instance with every route mounted.
func New(cfg Config, log zerolog.Logger) *Status {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Status{cfg: cfg, echo: e, log: log.With().Str("component", "server").Logger()}
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}
	e.GET("/queue", s.queue)
	e.GET("/queue/:id", s.block)
	e.GET("/citations", s.citations)
	e.GET("/events", s.events)
	return s
}

// Handler returns the router.
func (s *Status) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Status) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("status server listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (s *Status) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Status) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	s.log.Debug().Int("status", code).Str("method", req.Method).Str("path", req.URL.Path).Err(err).Msg("request failed")
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]any{"error": msg})
	}
}

type queueResponse struct {
	RunID        string             `json:"run_id"`
	PrimaryTopic string             `json:"primary_topic"`
	Stats        queue.Stats        `json:"statistics"`
	Blocks       []queue.TopicBlock `json:"blocks"`
}

func (s *Status) queue(c echo.Context) error {
	resp := queueResponse{
		RunID:        s.cfg.RunID,
		PrimaryTopic: s.cfg.Queue.PrimaryTopic(),
		Stats:        s.cfg.Queue.Stats(),
		Blocks:       s.cfg.Queue.Blocks(),
	}
	if status := c.QueryParam("status"); status != "" {
		filtered := make([]queue.TopicBlock, 0, len(resp.Blocks))
		for _, b := range resp.Blocks {
			if string(b.Status) == status {
				filtered = append(filtered, b)
			}
		}
		resp.Blocks = filtered
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Status) block(c echo.Context) error {
	b, ok := s.cfg.Queue.Block(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "block not found")
	}
	return c.JSON(http.StatusOK, b)
}

func (s *Status) citations(c echo.Context) error {
	var entries []citation.Entry
	if block := c.QueryParam("block_id"); block != "" {
		entries = s.cfg.Citations.ForBlock(block)
	} else {
		entries = s.cfg.Citations.Entries()
	}
	if entries == nil {
		entries = []citation.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id":    s.cfg.RunID,
		"citations": entries,
	})
}

func (s *Status) events(c echo.Context) error {
	if s.cfg.Events == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event stream not configured")
	}
	n := int64(50)
	if raw := c.QueryParam("n"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 || v > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "n must be between 1 and 1000")
		}
		n = v
	}
	envs, err := s.cfg.Events.Recent(c.Request().Context(), n)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"events": envs})
}
