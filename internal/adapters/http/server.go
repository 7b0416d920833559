package httpadapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	api "repowatch/internal/api"
	"repowatch/internal/ports"
	"repowatch/pkg/metrics"
	"repowatch/pkg/middleware"
)

const gracefulShutdownTimeout = 5 * time.Second

type Option func(s *Server)

func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.corsOrigins = origins
		}
	}
}

// WithMetrics records request metrics through m. The caller registers m.
func WithMetrics(m *metrics.Middleware) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server implements the generated StrictServerInterface.
type Server struct {
	results ports.Results
	status  ports.StatusReader

	corsOrigins []string
	metrics     *metrics.Middleware
}

func New(results ports.Results, status ports.StatusReader, opts ...Option) *Server {
	s := &Server{
		results:     results,
		status:      status,
		corsOrigins: []string{"*"},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns a chi.Router mounting the generated handlers behind the
// request middleware chain.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Use(s.metrics.Handler)
	}
	r.Use(
		cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	handler := api.NewStrictHandlerWithOptions(s, nil, api.StrictHTTPServerOptions{
		RequestErrorHandlerFunc:  requestErrorHandler,
		ResponseErrorHandlerFunc: responseErrorHandler,
	})
	api.HandlerWithOptions(handler, api.ChiServerOptions{
		BaseRouter:       r,
		ErrorHandlerFunc: requestErrorHandler,
	})
	return r
}

// Run serves the API on listener until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	log := zap.S().Named("api_server")
	srv := http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		log.Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		log.Info("api server terminated")
	}()

	log.Infof("Listening on %s...", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Listen opens a TCP listener accepting at most maxConns connections at once.
func Listen(address string, maxConns int) (net.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	return l, nil
}

type errorReply struct {
	Detail string `json:"detail"`
	status int
}

func (e errorReply) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.status)
	return nil
}

func requestErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	var paramErr *api.InvalidParamFormatError
	if errors.As(err, &paramErr) && paramErr.ParamName == "repoName" {
		_ = render.Render(w, r, errorReply{Detail: noResultsDetail, status: http.StatusNotFound})
		return
	}
	_ = render.Render(w, r, errorReply{Detail: err.Error(), status: http.StatusBadRequest})
}

func responseErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	zap.S().Named("api_server").Errorw("request failed", "path", r.URL.Path, "error", err)
	_ = render.Render(w, r, errorReply{Detail: "internal server error", status: http.StatusInternalServerError})
}
