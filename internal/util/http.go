package util

import (
	"net/http"

	"github.com/go-openapi/strfmt"
	"github.com/labstack/echo/v4"
)

// Validatable 可以按 strfmt 格式校验的请求或响应
type Validatable interface {
	Validate(formats strfmt.Registry) error
}

// BindAndValidateBody 绑定 JSON 请求体并校验
func BindAndValidateBody(c echo.Context, v Validatable) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if err := v.Validate(strfmt.Default); err != nil {
		LogFromContext(c.Request().Context()).Debug().Err(err).Msg("Request body failed validation")
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}

// ValidateAndReturn 校验响应后输出 JSON
func ValidateAndReturn(c echo.Context, code int, v Validatable) error {
	if err := v.Validate(strfmt.Default); err != nil {
		LogFromContext(c.Request().Context()).Error().Err(err).Msg("Response failed validation")
		return err
	}
	return c.JSON(code, v)
}
