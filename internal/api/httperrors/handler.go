package httperrors

import (
	"fmt"
	"net/http"

	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// HTTPErrorHandlerWithConfig 统一错误输出为 PublicHTTPError
func HTTPErrorHandlerWithConfig(debug bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		log := util.LogFromContext(c.Request().Context())

		var (
			httpErr *HTTPError
			echoErr *echo.HTTPError
		)
		switch {
		case errors.As(err, &httpErr):
		case errors.As(err, &echoErr):
			errType := types.PublicHTTPErrorTypeGeneric
			if echoErr.Code == http.StatusBadRequest {
				errType = types.PublicHTTPErrorTypeBadRequest
			}
			httpErr = NewHTTPErrorWithDetail(echoErr.Code, errType, http.StatusText(echoErr.Code), fmt.Sprint(echoErr.Message))
			if debug {
				httpErr.Internal = echoErr.Internal
			}
		default:
			httpErr = FromProtocolError(err)
		}

		code := int(*httpErr.Code)
		if code >= http.StatusInternalServerError {
			log.Error().Err(err).Int("status", code).Msg("Request failed")
		} else {
			log.Debug().Err(err).Int("status", code).Msg("Request rejected")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, httpErr.PublicHTTPError)
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to write error response")
		}
	}
}
