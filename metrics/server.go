package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Server exposes /metrics, /healthz and /summary over http
type Server struct {
	Addr   string
	ctx    context.Context
	server *http.Server
	logger log.Logger
}

func NewServer(ctx context.Context, addr string, m *Metrics, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		Addr:   addr,
		ctx:    ctx,
		logger: logger,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/healthz", healthHandler)
	r.GET("/summary", func(c *gin.Context) {
		summary, ok := m.CurrentSummary()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no population is training"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// Handler returns the router, used to serve without listening
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves in the background until the context is done
func (s *Server) Start() {
	go func() {
		level.Info(s.logger).Log("msg", "serving metrics", "addr", s.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(s.logger).Log("msg", "metrics server stopped", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}()
}
