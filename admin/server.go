// Package admin is the operator HTTP surface of a running trading loop.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rustyeddy/tradeloop/engine"
	"github.com/rustyeddy/tradeloop/fsm"
	"github.com/rustyeddy/tradeloop/internal/logger"
	"github.com/rustyeddy/tradeloop/ledger"
)

// Operator is what the admin surface drives. *engine.Orchestrator
// implements it.
type Operator interface {
	Status() engine.Status
	Trades(state ledger.TradeState) []ledger.Trade
	ResetBreaker(ctx context.Context) (bool, error)
	ClearTrade(ctx context.Context, tradeID string) (ledger.Trade, error)
	CloseTrade(ctx context.Context, tradeID string) (ledger.Trade, error)
}

var _ Operator = (*engine.Orchestrator)(nil)

type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(addr string, op Operator) *Server {
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &handler{op: op}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", h.status)
	router.GET("/trades", h.trades)
	router.GET("/trades/:id", h.trade)
	router.POST("/trades/:id/clear", h.clearTrade)
	router.POST("/trades/:id/close", h.closeTrade)
	router.POST("/breaker/reset", h.resetBreaker)

	return &Server{addr: addr, router: router}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.addr }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("admin listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, c.Request.URL.RequestURI(), c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

type handler struct {
	op Operator
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.op.Status())
}

var tradeStates = []ledger.TradeState{
	ledger.StateIdle, ledger.StateEntryPending, ledger.StateOpen,
	ledger.StateExitPending, ledger.StateClosed, ledger.StateError,
}

func parseState(s string) (ledger.TradeState, bool) {
	if s == "" {
		return "", true
	}
	want := ledger.TradeState(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range tradeStates {
		if st == want {
			return st, true
		}
	}
	return "", false
}

func (h *handler) trades(c *gin.Context) {
	state, ok := parseState(c.Query("state"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state " + c.Query("state")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": h.op.Trades(state)})
}

func (h *handler) trade(c *gin.Context) {
	id := c.Param("id")
	for _, t := range h.op.Trades("") {
		if t.ID == id {
			c.JSON(http.StatusOK, t)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "trade " + id + " not found"})
}

func (h *handler) clearTrade(c *gin.Context) {
	tr, err := h.op.ClearTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "clear trade", err)
		return
	}
	logger.Infof("[admin] trade %s cleared ip=%s", tr.ID, c.ClientIP())
	c.JSON(http.StatusOK, tr)
}

func (h *handler) closeTrade(c *gin.Context) {
	tr, err := h.op.CloseTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "close trade", err)
		return
	}
	logger.Infof("[admin] trade %s close requested ip=%s state=%s", tr.ID, c.ClientIP(), tr.State)
	c.JSON(http.StatusOK, tr)
}

func (h *handler) resetBreaker(c *gin.Context) {
	cleared, err := h.op.ResetBreaker(c.Request.Context())
	if err != nil {
		h.fail(c, "reset breaker", err)
		return
	}
	logger.Infof("[admin] breaker reset ip=%s cleared=%v", c.ClientIP(), cleared)
	c.JSON(http.StatusOK, gin.H{"cleared": cleared, "breaker": h.op.Status().Breaker})
}

func (h *handler) fail(c *gin.Context, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, fsm.ErrIllegalTransition):
		code = http.StatusConflict
	default:
		logger.Errorf("[admin] %s: %v", op, err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
