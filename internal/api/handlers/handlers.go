package handlers

import (
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/api/handlers/common"
	"github.com/kashguard/go-mpc-mesh/internal/api/handlers/events"
	"github.com/kashguard/go-mpc-mesh/internal/api/handlers/sessions"
	"github.com/kashguard/go-mpc-mesh/internal/api/handlers/wallets"
	"github.com/labstack/echo/v4"
)

func AttachAllRoutes(s *api.Server) {
	// attach our routes
	s.Router.Routes = []*echo.Route{
		common.GetHealthyRoute(s),
		common.GetMetricsRoute(s),
		events.GetEventsRoute(s),
		sessions.GetSessionRoute(s),
		sessions.PostProposeSessionRoute(s),
		sessions.PostRespondRoute(s),
		wallets.PostRequestSigningRoute(s),
	}
}
