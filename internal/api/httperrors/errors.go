package httperrors

import (
	"fmt"
	"net/http"

	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/kashguard/go-mpc-mesh/internal/types"
)

// HTTPError 对外返回的错误
type HTTPError struct {
	types.PublicHTTPError
	Internal error `json:"-"`
}

func NewHTTPError(code int, errorType types.PublicHTTPErrorType, title string) *HTTPError {
	return &HTTPError{
		PublicHTTPError: types.PublicHTTPError{
			Code:  swag.Int64(int64(code)),
			Type:  swag.String(string(errorType)),
			Title: swag.String(title),
		},
	}
}

func NewHTTPErrorWithDetail(code int, errorType types.PublicHTTPErrorType, title string, detail string) *HTTPError {
	e := NewHTTPError(code, errorType, title)
	e.Detail = detail
	return e
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("HTTPError %d (%s): %s", swag.Int64Value(e.Code), swag.StringValue(e.Type), swag.StringValue(e.Title))
	if e.Detail != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Detail)
	}
	if e.Internal != nil {
		msg = fmt.Sprintf("%s, %v", msg, e.Internal)
	}
	return msg
}

// Unwrap 返回内部错误
func (e *HTTPError) Unwrap() error {
	return e.Internal
}

var (
	ErrBadRequestInvalidBody = NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeBadRequest, "Invalid request body")
	ErrNotFoundSession       = NewHTTPError(http.StatusNotFound, types.PublicHTTPErrorTypeSessionNotFound, "Session not found")
)

// FromProtocolError 把协调层错误映射为 HTTP 错误，非协调层错误返回 500
func FromProtocolError(err error) *HTTPError {
	perr, ok := protocol.AsError(err)
	if !ok {
		e := NewHTTPError(http.StatusInternalServerError, types.PublicHTTPErrorTypeGeneric, http.StatusText(http.StatusInternalServerError))
		e.Internal = err
		return e
	}

	var e *HTTPError
	switch perr.Reason {
	case protocol.ReasonUnknownSession:
		e = NewHTTPError(http.StatusNotFound, types.PublicHTTPErrorTypeSessionNotFound, "Session not found")
	case protocol.ReasonInvalidProposal:
		e = NewHTTPError(http.StatusBadRequest, types.PublicHTTPErrorTypeInvalidProposal, "Invalid session proposal")
	case protocol.ReasonRosterMismatch:
		e = NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeRosterMismatch, "Participant is not in the session roster")
	case protocol.ReasonInvalidState:
		e = NewHTTPError(http.StatusConflict, types.PublicHTTPErrorTypeInvalidState, "Session is not in a state that allows this operation")
	case protocol.ReasonMissingKeyShare:
		e = NewHTTPError(http.StatusNotFound, types.PublicHTTPErrorTypeMissingKeyShare, "No key share for wallet")
	case protocol.ReasonThresholdUnreachable, protocol.ReasonThresholdNotMet:
		e = NewHTTPError(http.StatusUnprocessableEntity, types.PublicHTTPErrorTypeThresholdNotMet, "Quorum is below the wallet threshold")
	default:
		e = NewHTTPError(http.StatusInternalServerError, types.PublicHTTPErrorTypeGeneric, http.StatusText(http.StatusInternalServerError))
	}
	e.Detail = perr.Message
	e.Internal = err
	return e
}
