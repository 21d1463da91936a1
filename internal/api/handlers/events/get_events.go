package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/labstack/echo/v4"
)

const subscriberBuffer = 64

func GetEventsRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.GET("/events", getEventsHandler(s))
}

// getEventsHandler 以 Server-Sent Events 推送会话状态变化；?session_id= 只推送单个会话
func getEventsHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)
		filter := c.QueryParam("session_id")

		events, unsubscribe := s.Sessions.Subscribe(subscriberBuffer)
		defer unsubscribe()

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set("Cache-Control", "no-cache")
		res.Header().Set("Connection", "keep-alive")
		res.WriteHeader(http.StatusOK)
		res.Flush()

		heartbeat := s.Config.Echo.EventStreamHeartbeat
		if heartbeat <= 0 {
			heartbeat = 15 * time.Second
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		log.Debug().Str("session_id", filter).Msg("Event stream opened")

		for {
			select {
			case <-ctx.Done():
				log.Debug().Msg("Event stream closed by client")
				return nil
			case <-ticker.C:
				if _, err := fmt.Fprint(res, ": keep-alive\n\n"); err != nil {
					return nil
				}
				res.Flush()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if filter != "" && ev.SessionID != filter {
					continue
				}
				data, err := json.Marshal(ev)
				if err != nil {
					log.Error().Err(err).Str("session_id", ev.SessionID).Msg("Failed to encode status event")
					continue
				}
				if _, err := fmt.Fprintf(res, "event: status\ndata: %s\n\n", data); err != nil {
					return nil
				}
				res.Flush()
			}
		}
	}
}
