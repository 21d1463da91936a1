package wallets

import (
	"encoding/hex"
	"net/http"

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/api/httperrors"
	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/labstack/echo/v4"
)

func PostRequestSigningRoute(s *api.Server) *echo.Route {
	return s.Router.APIV1.POST("/wallets/:id/signing", postRequestSigningHandler(s))
}

// postRequestSigningHandler 用钱包 id（即生成该钱包的 DKG 会话 id）发起签名
func postRequestSigningHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		walletID := c.Param("id")

		var body types.PostRequestSigningPayload
		if err := util.BindAndValidateBody(c, &body); err != nil {
			return err
		}

		message, _ := hex.DecodeString(swag.StringValue(body.MessageHex))

		sessionID, err := s.Sessions.RequestSigning(ctx, walletID, message, body.Quorum)
		if err != nil {
			util.LogFromContext(ctx).Debug().Err(err).Str("wallet_id", walletID).Msg("Failed to request signing")
			return httperrors.FromProtocolError(err)
		}

		id := strfmt.UUID(sessionID)
		return util.ValidateAndReturn(c, http.StatusCreated, &types.SessionCreatedResponse{
			SessionID: &id,
		})
	}
}
