package sessions

import (
	"net/http"

	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/api/httperrors"
	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/labstack/echo/v4"
)

func GetSessionRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.GET("/sessions/:id", getSessionHandler(s))
}

func getSessionHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		snap, err := s.Sessions.Status(ctx, c.Param("id"))
		if err != nil {
			return httperrors.FromProtocolError(err)
		}

		return util.ValidateAndReturn(c, http.StatusOK, ToSessionStatus(snap))
	}
}
