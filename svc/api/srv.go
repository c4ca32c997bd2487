package api

import (
	"context"
	"net/http"
	"time"

	"cinder/cfg"
	"cinder/svc/db"
	"cinder/svc/svc"
	"cinder/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	cfg        *cfg.Cfg
	store      db.Store
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste, store db.Store) *Server {
	r := chi.NewRouter()
	mw := NewMw(c)
	s := &Server{
		router: r,
		paste:  p,
		cfg:    c,
		store:  store,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}

	// Preflight requests match no route, so CORS runs ahead of routing.
	r.Use(mw.CORS)

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.IsDev() {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			// The path carries the paste id, which is a read capability.
			path := "/"
			if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("route", path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("client_ip", util.RedactIP(req.RemoteAddr)).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if c.TrustProxyHeaders {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Metrics)

		hdl := &Hdl{paste: p, cfg: c}
		r.Get("/", hdl.Index)
		r.Post("/", hdl.CreateForm)
		r.Post("/pastes", hdl.CreatePaste)
		r.Delete("/pastes/{id}", hdl.DeletePaste)
		r.Get("/raw/{id}", hdl.Raw)
		r.Get("/download/{id}/{ext}", hdl.Download)
		r.Get("/burn/{id}", hdl.BurnLink)
		r.Get("/{key}", hdl.View)
		r.Post("/{key}", hdl.Unlock)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Str("store", s.cfg.StoreBackend).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
