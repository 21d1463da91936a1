package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig 请求日志中间件配置
type LoggerConfig struct {
	Skipper middleware.Skipper
	Level   zerolog.Level
}

// LoggerWithConfig 为每个请求挂载带 request_id 的 logger，并在请求结束后记录一条访问日志
func LoggerWithConfig(config LoggerConfig) echo.MiddlewareFunc {
	if config.Skipper == nil {
		config.Skipper = middleware.DefaultSkipper
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.Skipper(c) {
				return next(c)
			}

			req := c.Request()
			res := c.Response()

			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = res.Header().Get(echo.HeaderXRequestID)
			}

			l := log.With().Str("request_id", id).Logger()
			c.SetRequest(req.WithContext(l.WithContext(req.Context())))

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := res.Status
			lvl := config.Level
			if status >= 500 {
				lvl = zerolog.ErrorLevel
			} else if status >= 400 && lvl < zerolog.InfoLevel {
				lvl = zerolog.InfoLevel
			}

			l.WithLevel(lvl).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Str("remote_ip", c.RealIP()).
				Int("status", status).
				Int64("bytes_out", res.Size).
				Dur("duration", time.Since(start)).
				Msg("Request handled")

			return nil
		}
	}
}
