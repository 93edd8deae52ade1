// Package server exposes the conversation API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/runtime"
)

// Options carries the dependencies of the HTTP server. Lister, Tailer and
// Metrics are optional.
type Options struct {
	Config  *config.Config
	Secret  []byte
	Team    Starter
	Memory  ConversationMemory
	Lister  ConversationLister
	Tailer  SnapshotTailer
	Metrics http.Handler
	Logger  *log.Logger
}

// New builds the echo instance with every route registered.
func New(opts Options) (*echo.Echo, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config required")
	}
	if opts.Team == nil || opts.Memory == nil {
		return nil, errors.New("server: team and memory required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("server: jwt secret required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	srvCfg := opts.Config.Server.Normalize()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e, opts.Team.Names)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := e.Group("/api")
	auth := &AuthHandler{
		Users:        srvCfg.Users,
		Secret:       opts.Secret,
		TTL:          srvCfg.TokenTTL,
		SecureCookie: !opts.Config.General.Debug,
	}
	auth.Register(api.Group("/auth"))

	me := api.Group("/me", authMiddleware(opts.Secret))
	me.GET("", func(c echo.Context) error {
		user, _ := c.Get("user_id").(string)
		return c.JSON(http.StatusOK, MeResponse{UserID: user})
	})

	agents := api.Group("/agents", authMiddleware(opts.Secret))
	agents.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, AgentsResponse{Agents: opts.Team.Names()})
	})

	ch := &ConversationsHandler{
		team:      opts.Team,
		memory:    opts.Memory,
		lister:    opts.Lister,
		tailer:    opts.Tailer,
		heartbeat: srvCfg.StreamHeartbeat,
		logger:    logger,
	}
	ch.Register(api.Group("/conversations"), opts.Secret)
	return e, nil
}

func authMiddleware(secret []byte) echo.MiddlewareFunc {
	return runtime.EchoAuthMiddleware(secret)
}

// Run serves e on addr until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
