package localapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"
)

// Server is the node-local HTTP surface: a yes/no gate for the companion
// monitoring agent's supervisory loop, and a reverse proxy to the data-plane
// process's metrics port.
type Server struct {
	httpServer *http.Server
	logger     *zap.SugaredLogger
}

// NewServer builds the local surface. companionEnabled is consulted on every
// request so the answer can change at runtime.
func NewServer(addr, metricsTarget string, companionEnabled func() bool, logger *zap.SugaredLogger) (*Server, error) {
	target, err := url.Parse(metricsTarget)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics target %s: %v", metricsTarget, err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		// Forward under the target's own host; the original Host header is
		// the local listener and would confuse the exporter.
		req.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warnw("metrics proxy failed", "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/companion", func(w http.ResponseWriter, r *http.Request) {
		answer := "no"
		if companionEnabled() {
			answer = "yes"
		}
		fmt.Fprint(w, answer)
	})
	mux.Handle("/metrics", proxy)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		logger:     logger,
	}, nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("local api server failed", "error", err)
		}
	}()
	s.logger.Infow("local api listening", "addr", s.httpServer.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
