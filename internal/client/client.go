package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ALE-backend/internal/capitalcall"
)

const DefaultTimeout = 20 * time.Second

// Client は capital-call API の薄いラッパー。状態を持たない。
type Client struct {
	httpClient *http.Client
	base       string
	token      string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }
func WithToken(token string) Option        { return func(c *Client) { c.token = token } }

// New: base は "https://host:8443/api/v1" のように API ルートまで含める
func New(base string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		base:       strings.TrimRight(base, "/"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) SetToken(token string) { c.token = token }

// request は JSON を送り、JSON を受ける。4xx/5xx は *capitalcall.APIError、通信失敗は NETWORK_FAILURE にする。
func (c *Client) request(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return capitalcall.ErrNetwork(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return nil, err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 呼び出し側の中断は通信失敗と区別する
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, capitalcall.ErrNetwork(err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body capitalcall.ErrorBody
	if err := json.Unmarshal(payload, &body); err == nil && body.Error.Code != "" {
		return body.APIError()
	}
	return &capitalcall.APIError{
		Code:    capitalcall.CodeFromHTTPStatus(resp.StatusCode),
		Message: fmt.Sprintf("api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload))),
	}
}

func itemPath(id int64, suffix string) string {
	return "/capital-call/" + strconv.FormatInt(id, 10) + suffix
}

// ---------- endpoints ----------

type loginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login は成功するとトークンを保持し、それを返す
func (c *Client) Login(ctx context.Context, id, password string) (string, error) {
	var res loginResponse
	if err := c.request(ctx, http.MethodPost, "/login", loginRequest{ID: id, Password: password}, &res); err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", errors.New("login: empty token in response")
	}
	c.token = res.Token
	return res.Token, nil
}

func (c *Client) Search(ctx context.Context, q capitalcall.SearchQuery) (capitalcall.ResultPage[capitalcall.CapitalCall], error) {
	var page capitalcall.ResultPage[capitalcall.CapitalCall]
	err := c.request(ctx, http.MethodPost, "/capital-call/search", q, &page)
	return page, err
}

func (c *Client) Get(ctx context.Context, id int64) (*capitalcall.CapitalCallDetails, error) {
	var d capitalcall.CapitalCallDetails
	if err := c.request(ctx, http.MethodGet, itemPath(id, ""), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Create(ctx context.Context, req capitalcall.CreateRequest) (*capitalcall.CapitalCall, error) {
	var cc capitalcall.CapitalCall
	if err := c.request(ctx, http.MethodPost, "/capital-call", req, &cc); err != nil {
		return nil, err
	}
	return &cc, nil
}

func (c *Client) Update(ctx context.Context, id int64, req capitalcall.UpdateRequest) (*capitalcall.CapitalCall, error) {
	var cc capitalcall.CapitalCall
	if err := c.request(ctx, http.MethodPut, itemPath(id, ""), req, &cc); err != nil {
		return nil, err
	}
	return &cc, nil
}

func (c *Client) Actions(ctx context.Context, id int64) ([]capitalcall.Action, error) {
	var res capitalcall.ActionsResponse
	if err := c.request(ctx, http.MethodGet, itemPath(id, "/actions"), nil, &res); err != nil {
		return nil, err
	}
	return res.Actions, nil
}

func (c *Client) AddComment(ctx context.Context, id int64, text string) (*capitalcall.Comment, error) {
	var cm capitalcall.Comment
	if err := c.request(ctx, http.MethodPost, itemPath(id, "/comments"), capitalcall.CommentRequest{Text: text}, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

func (c *Client) LockStatus(ctx context.Context, id int64) (capitalcall.LockStatus, error) {
	var st capitalcall.LockStatus
	err := c.request(ctx, http.MethodGet, itemPath(id, "/lock-status"), nil, &st)
	return st, err
}

func (c *Client) AcquireLock(ctx context.Context, id int64) (capitalcall.LockStatus, error) {
	var st capitalcall.LockStatus
	err := c.request(ctx, http.MethodPost, itemPath(id, "/lock"), nil, &st)
	return st, err
}

func (c *Client) ReleaseLock(ctx context.Context, id int64) error {
	return c.request(ctx, http.MethodDelete, itemPath(id, "/lock"), nil, nil)
}

func (c *Client) ForceUnlock(ctx context.Context, id int64) error {
	return c.request(ctx, http.MethodPost, itemPath(id, "/unlock"), nil, nil)
}

func (c *Client) Submit(ctx context.Context, id, version int64) (*capitalcall.CapitalCall, error) {
	return c.transition(ctx, itemPath(id, "/submit"), capitalcall.TransitionRequest{Version: version})
}

func (c *Client) Approve(ctx context.Context, id, version int64) (*capitalcall.CapitalCall, error) {
	return c.transition(ctx, itemPath(id, "/approve"), capitalcall.TransitionRequest{Version: version})
}

func (c *Client) Reject(ctx context.Context, id, version int64, reason string) (*capitalcall.CapitalCall, error) {
	return c.transition(ctx, itemPath(id, "/reject"), capitalcall.RejectRequest{Version: version, Reason: reason})
}

func (c *Client) transition(ctx context.Context, path string, body any) (*capitalcall.CapitalCall, error) {
	var cc capitalcall.CapitalCall
	if err := c.request(ctx, http.MethodPost, path, body, &cc); err != nil {
		return nil, err
	}
	return &cc, nil
}

func (c *Client) Counts(ctx context.Context, queue capitalcall.Queue) (map[capitalcall.Category]int64, error) {
	path := "/capital-call/counts"
	if queue != "" {
		path += "?queue=" + url.QueryEscape(string(queue))
	}
	out := map[capitalcall.Category]int64{}
	err := c.request(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Export は xlsx をそのまま w に書き出し、サーバーが返した行数を返す
func (c *Client) Export(ctx context.Context, req capitalcall.ExportRequest, w io.Writer) (int, error) {
	resp, err := c.send(ctx, http.MethodPost, "/capital-call/export", req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return 0, capitalcall.ErrNetwork(err)
	}
	n, _ := strconv.Atoi(resp.Header.Get("X-Total-Rows"))
	return n, nil
}
