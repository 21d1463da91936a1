package sdk

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

// ErrSessionFailed 会话以 failed 或 expired 结束
var ErrSessionFailed = errors.New("session did not complete")

// APIError 节点返回的错误响应
type APIError struct {
	Status int
	Type   string
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("mesh api %d (%s): %s - %s", e.Status, e.Type, e.Title, e.Detail)
	}
	return fmt.Sprintf("mesh api %d (%s): %s", e.Status, e.Type, e.Title)
}

// Client 单个节点 HTTP API 的客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient baseURL 形如 http://node-1:8080
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ProposeDKG 发起 DKG，返回会话 id（也是生成钱包的 id）
func (c *Client) ProposeDKG(ctx context.Context, roster []string, threshold int) (string, error) {
	return c.propose(ctx, &types.PostProposeSessionPayload{
		Kind:      swag.String("dkg"),
		Roster:    roster,
		Threshold: swag.Int64(int64(threshold)),
	})
}

// RequestSigning 用钱包对消息发起签名，quorum 需包含本节点
func (c *Client) RequestSigning(ctx context.Context, walletID string, message []byte, quorum []string) (string, error) {
	var res types.SessionCreatedResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/wallets/"+url.PathEscape(walletID)+"/signing", &types.PostRequestSigningPayload{
		MessageHex: swag.String(hex.EncodeToString(message)),
		Quorum:     quorum,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.SessionID.String(), nil
}

// Respond 接受或拒绝本节点收到的提议
func (c *Client) Respond(ctx context.Context, sessionID string, accept bool) (*types.SessionStatus, error) {
	var res types.SessionStatus
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/response", &types.PostRespondPayload{
		Accept: swag.Bool(accept),
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Session 查询会话状态
func (c *Client) Session(ctx context.Context, sessionID string) (*types.SessionStatus, error) {
	var res types.SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Wait 轮询直到会话进入终态；complete 返回状态，failed/expired 返回状态和 ErrSessionFailed
func (c *Client) Wait(ctx context.Context, sessionID string, interval time.Duration) (*types.SessionStatus, error) {
	if interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}

	var status *types.SessionStatus
	err := retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		s, err := c.Session(ctx, sessionID)
		if err != nil {
			var apiErr *APIError
			// 提议可能还没到达本节点
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				return retry.RetryableError(err)
			}
			return err
		}
		switch swag.StringValue(s.LifecycleState) {
		case "complete", "failed", "expired":
			status = s
			return nil
		}
		return retry.RetryableError(errors.Errorf("session %s is %s", sessionID, swag.StringValue(s.LifecycleState)))
	})
	if err != nil {
		return nil, err
	}
	if swag.StringValue(status.LifecycleState) != "complete" {
		return status, errors.Wrapf(ErrSessionFailed, "session %s ended as %s (%s)", sessionID, swag.StringValue(status.LifecycleState), status.Reason)
	}
	return status, nil
}

func (c *Client) propose(ctx context.Context, payload *types.PostProposeSessionPayload) (string, error) {
	var res types.SessionCreatedResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", payload, &res); err != nil {
		return "", err
	}
	return res.SessionID.String(), nil
}

type validatable interface {
	Validate(formats strfmt.Registry) error
}

func (c *Client) do(ctx context.Context, method, path string, body validatable, out validatable) error {
	var reader io.Reader
	if body != nil {
		if err := body.Validate(strfmt.Default); err != nil {
			return errors.Wrap(err, "invalid request")
		}
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		var public types.PublicHTTPError
		if err := json.NewDecoder(res.Body).Decode(&public); err != nil {
			return &APIError{Status: res.StatusCode, Title: http.StatusText(res.StatusCode)}
		}
		return &APIError{
			Status: res.StatusCode,
			Type:   swag.StringValue(public.Type),
			Title:  swag.StringValue(public.Title),
			Detail: public.Detail,
		}
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	if err := out.Validate(strfmt.Default); err != nil {
		return errors.Wrap(err, "invalid response")
	}
	return nil
}
