package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/cortexstream/cortexstream/internal/api"
	"github.com/cortexstream/cortexstream/internal/logger"
	"github.com/cortexstream/cortexstream/internal/version"
)

func serveCmd() *cli.Command {
	f := &engineFlags{}

	return &cli.Command{
		Name:  "serve",
		Usage: "Boot the engine, scheduler, and reference backend behind an HTTP server",
		Flags: f.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := f.resolve(cmd)
			if err != nil {
				return err
			}

			log := newLogger(f.logFormat, f.logLevel)

			eng, sch, be, err := buildRuntime(f, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := eng.Warmup(ctx); err != nil {
				return err
			}

			go func() {
				if err := eng.RunForever(ctx); err != nil && ctx.Err() == nil {
					log.Error("engine loop exited", "error", err)
				}
			}()

			srv := api.NewServer(eng, sch, be, "cortexstream-reference", *cfg.HTTP.RequestsPerSecond, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			e.Use(serverHeaderMiddleware)
			srv.Register(e)

			log.Info("starting server", "address", f.addr)
			sc := echo.StartConfig{
				Address: f.addr,
				BeforeServeFunc: func(s *http.Server) error {
					s.ReadHeaderTimeout = f.readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func serverHeaderMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	ua := version.UserAgent()
	return func(c *echo.Context) error {
		c.Response().Header().Set("Server", ua)
		return next(c)
	}
}

func newLogger(format, level string) logger.Logger {
	lvl := logger.ParseLevel(level)
	if format == "json" {
		return logger.JSON(os.Stderr, lvl)
	}
	return logger.Pretty(os.Stderr, lvl)
}
