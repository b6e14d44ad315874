package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// queryRouter builds the read-only inspection API. Only GET routes exist:
// mutation goes exclusively through the 4-byte control protocol.
func (s *Server) queryRouter() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/v1/status", s.handleStatus)
	r.GET("/v1/blocked", s.handleBlocked)
	r.GET("/v1/blocked/:addr", s.handleBlockedAddr)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

func (s *Server) handleBlocked(c *gin.Context) {
	entries, err := s.Blocked()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"blocked": entries,
	})
}

func (s *Server) handleBlockedAddr(c *gin.Context) {
	addr, err := netip.ParseAddr(c.Param("addr"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid address: %v", err)})
		return
	}

	entry, blocked, err := s.IsBlocked(addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"addr":    entry.Addr,
		"blocked": blocked,
		"entry":   entry,
	})
}

// QueryServer serves the inspection API over its own unix socket, kept
// separate from the control socket so a chatty inspector can never stall
// block commands.
type QueryServer struct {
	path   string
	logger zerolog.Logger
	srv    *http.Server
}

func NewQueryServer(path string, handler http.Handler, logger zerolog.Logger) *QueryServer {
	return &QueryServer{
		path:   path,
		logger: logger.With().Str("component", "query").Logger(),
		srv:    &http.Server{Handler: handler},
	}
}

func (q *QueryServer) Start() error {
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale query socket %s: %w", q.path, err)
	}

	ln, err := net.Listen("unix", q.path)
	if err != nil {
		return fmt.Errorf("binding query socket %s: %w", q.path, err)
	}

	if err := os.Chmod(q.path, 0666); err != nil {
		q.logger.Warn().Err(err).Msg("failed to set query socket permissions")
	}

	go func() {
		if err := q.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			q.logger.Error().Err(err).Msg("query server stopped")
		}
	}()

	q.logger.Info().Str("socket", q.path).Msg("query API listening")
	return nil
}

func (q *QueryServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.srv.Shutdown(ctx); err != nil {
		q.srv.Close()
	}
}
