// Package botclient speaks a single bot's own REST API. One method per
// endpoint; transient transport errors are retried, 4xx responses are
// surfaced as the bot's own error body untouched.
package botclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"fleetd/internal/fleeterr"
)

// Client talks to one bot's REST API over HTTP basic auth.
type Client struct {
	rc      *resty.Client
	baseURL string
}

// Config configures how a Client reaches a single bot.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// New builds a Client retrying transient transport errors 3x with a 1s
// base backoff; it never retries on a 4xx response.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil
		})
	return &Client{rc: rc, baseURL: cfg.BaseURL}
}

// APIError wraps a 4xx/5xx response body verbatim; the aggregation server
// relays it as-is.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot api returned %d: %s", e.StatusCode, string(e.Body))
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body interface{}, out interface{}) error {
	req := c.rc.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		// Decode the body as JSON even when the bot omits a Content-Type.
		req.SetResult(out).ForceContentType("application/json")
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fleeterr.NewTransient("bot_client:"+path, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.Body()}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	return c.do(ctx, "GET", path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, "POST", path, nil, body, out)
}

func (c *Client) del(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, "DELETE", path, nil, nil, out)
}

func (c *Client) Ping(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/ping", nil, &out)
}

func (c *Client) Version(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/version", nil, &out)
}

func (c *Client) Balance(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/balance", nil, &out)
}

func (c *Client) Count(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/count", nil, &out)
}

func (c *Client) Performance(ctx context.Context) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	return out, c.get(ctx, "/performance", nil, &out)
}

// Profit is consumed directly by the strategy statistics refresh.
func (c *Client) Profit(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/profit", nil, &out)
}

func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/stats", nil, &out)
}

func (c *Client) Daily(ctx context.Context, timescale int) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/daily", map[string]string{"timescale": fmt.Sprint(timescale)}, &out)
}

func (c *Client) Status(ctx context.Context) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	return out, c.get(ctx, "/status", nil, &out)
}

func (c *Client) Trades(ctx context.Context, limit, offset int) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/trades", map[string]string{
		"limit": fmt.Sprint(limit), "offset": fmt.Sprint(offset),
	}, &out)
}

func (c *Client) Trade(ctx context.Context, id int64) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, fmt.Sprintf("/trade/%d", id), nil, &out)
}

func (c *Client) DeleteTrade(ctx context.Context, id int64) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.del(ctx, fmt.Sprintf("/trades/%d", id), &out)
}

func (c *Client) ShowConfig(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/show_config", nil, &out)
}

func (c *Client) ForceEnter(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/forceenter", req, &out)
}

func (c *Client) ForceExit(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/forceexit", req, &out)
}

func (c *Client) GetBlacklist(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/blacklist", nil, &out)
}

func (c *Client) AddBlacklist(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/blacklist", req, &out)
}

func (c *Client) DeleteBlacklist(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.del(ctx, "/blacklist", &out)
}

func (c *Client) Whitelist(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/whitelist", nil, &out)
}

func (c *Client) Locks(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/locks", nil, &out)
}

func (c *Client) DeleteLock(ctx context.Context, id int64) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.del(ctx, fmt.Sprintf("/locks/%d", id), &out)
}

func (c *Client) DeleteLockByPair(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/locks/delete", req, &out)
}

func (c *Client) Logs(ctx context.Context, limit int) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/logs", map[string]string{"limit": fmt.Sprint(limit)}, &out)
}

func (c *Client) Start(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/start", nil, &out)
}

func (c *Client) Stop(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/stop", nil, &out)
}

func (c *Client) StopBuy(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/stopbuy", nil, &out)
}

func (c *Client) ReloadConfig(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/reload_config", nil, &out)
}

func (c *Client) SysInfo(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/sysinfo", nil, &out)
}

func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/health", nil, &out)
}

func (c *Client) State(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/state", nil, &out)
}

func (c *Client) SetExchange(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/exchange", req, &out)
}

func (c *Client) SetStrategy(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/strategy", req, &out)
}

func (c *Client) SetSettings(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/settings", req, &out)
}

func (c *Client) ResetOriginalConfig(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.post(ctx, "/reset_original_config", nil, &out)
}

func (c *Client) TimeunitProfit(ctx context.Context, timeunit string, timescale int) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/timeunit_profit", map[string]string{
		"timeunit": timeunit, "timescale": fmt.Sprint(timescale),
	}, &out)
}

// Summary is consumed directly by the strategy statistics refresh
// alongside Profit.
func (c *Client) Summary(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	return out, c.get(ctx, "/summary", nil, &out)
}
