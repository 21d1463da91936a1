package sessions

import (
	"net/http"

	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/api/httperrors"
	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/labstack/echo/v4"
)

func PostRespondRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.POST("/sessions/:id/response", postRespondHandler(s))
}

// postRespondHandler 本节点接受或拒绝收到的提议，返回答复后的会话状态
func postRespondHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		sessionID := c.Param("id")

		var body types.PostRespondPayload
		if err := util.BindAndValidateBody(c, &body); err != nil {
			return err
		}

		if err := s.Sessions.Respond(ctx, sessionID, swag.BoolValue(body.Accept)); err != nil {
			util.LogFromContext(ctx).Debug().Err(err).Str("session_id", sessionID).Msg("Failed to respond to proposal")
			return httperrors.FromProtocolError(err)
		}

		snap, err := s.Sessions.Status(ctx, sessionID)
		if err != nil {
			return httperrors.FromProtocolError(err)
		}

		return util.ValidateAndReturn(c, http.StatusOK, ToSessionStatus(snap))
	}
}
