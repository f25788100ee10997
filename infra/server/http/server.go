package httpsrv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"

	"github.com/heraldlab/broadcast-delivery-service/config"
)

// Server owns the single HTTP listener every transport registers into: the
// admin REST surface, the user message endpoints and the SSE/WS streams.
// Handler modules mount their routes on Mux via fx.Invoke.
type Server struct {
	Mux chi.Router

	logger          *slog.Logger
	srv             *http.Server
	baseCancel      context.CancelFunc
	shutdownTimeout time.Duration
}

func NewServer(lc fx.Lifecycle, logger *slog.Logger, cfg *config.Config) *Server {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Streaming handlers block on request contexts. Deriving them from a
	// cancellable base lets shutdown unblock every open stream so the drain
	// window is spent draining, not waiting out the timeout.
	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		Mux:        mux,
		logger:     logger,
		baseCancel: baseCancel,
		srv: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		shutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}

	lc.Append(fx.Hook{
		// [LIFECYCLE] Bind synchronously so a taken port fails startup
		// instead of surfacing as a dead listener later.
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", s.srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("HTTP_SERVER_STARTED", slog.String("addr", ln.Addr().String()))
			go func() {
				if serr := s.srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
					logger.Error("HTTP_SERVER_FAILED", slog.Any("error", serr))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.stop(ctx)
		},
	})

	return s
}

// stop closes the intake, unblocks the streams and waits out the drain
// window. Connections still alive after the window are cut.
func (s *Server) stop(ctx context.Context) error {
	s.baseCancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP_SERVER_DRAIN_EXPIRED", slog.Any("error", err))
		return s.srv.Close()
	}
	s.logger.Info("HTTP_SERVER_STOPPED")
	return nil
}
