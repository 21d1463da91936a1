package sessions

import (
	"encoding/hex"
	"net/http"

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/api/httperrors"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/session"
	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/labstack/echo/v4"
)

func PostProposeSessionRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.POST("/sessions", postProposeSessionHandler(s))
}

func postProposeSessionHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		log := util.LogFromContext(ctx)

		var body types.PostProposeSessionPayload
		if err := util.BindAndValidateBody(c, &body); err != nil {
			return err
		}

		// Validate 已保证十六进制合法
		message, _ := hex.DecodeString(body.MessageHex)

		req := session.ProposeRequest{
			Kind:      protocol.Kind(swag.StringValue(body.Kind)),
			Roster:    body.Roster,
			Threshold: int(swag.Int64Value(body.Threshold)),
			WalletID:  body.WalletID,
			Message:   message,
		}

		sessionID, err := s.Sessions.Propose(ctx, req)
		if err != nil {
			log.Debug().Err(err).Str("kind", string(req.Kind)).Msg("Failed to propose session")
			return httperrors.FromProtocolError(err)
		}

		id := strfmt.UUID(sessionID)
		return util.ValidateAndReturn(c, http.StatusCreated, &types.SessionCreatedResponse{
			SessionID: &id,
		})
	}
}
