package test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/go-openapi/strfmt"
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

type GenericPayload map[string]interface{}

func PerformRequest(t *testing.T, s *api.Server, method string, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "failed to encode request body")
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}

	res := httptest.NewRecorder()
	s.Echo.ServeHTTP(res, req)

	return res
}

func ParseResponseBody(t *testing.T, res *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	require.NoError(t, json.NewDecoder(res.Result().Body).Decode(v), "failed to parse response body")
}

func ParseResponseAndValidate(t *testing.T, res *httptest.ResponseRecorder, v util.Validatable) {
	t.Helper()

	ParseResponseBody(t, res, v)
	require.NoError(t, v.Validate(strfmt.Default), "response body failed validation")
}

// RequireHTTPError 断言错误响应的状态码和类型
func RequireHTTPError(t *testing.T, res *httptest.ResponseRecorder, status int, errorType string) {
	t.Helper()

	require.Equal(t, status, res.Result().StatusCode, res.Body.String())

	var body GenericPayload
	ParseResponseBody(t, res, &body)
	require.Equal(t, float64(status), body["status"])
	require.Equal(t, errorType, body["type"])
}
