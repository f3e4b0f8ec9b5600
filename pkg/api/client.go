// Package api is the REST client for the session-management service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/telemetry"
)

const (
	maxErrorBodyBytes    int64 = 64 << 10
	maxResponseBodyBytes int64 = 16 << 20

	DefaultSubgroupSize = 5
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RateLimit  float64 // Requests per second; zero disables limiting
	Burst      int
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client talks to the session service under <base>/api.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// New builds a client. The base URL may omit its scheme.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "invalid api base url").WithContext("url", opts.BaseURL)
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		token:      strings.TrimSpace(opts.Token),
		limiter:    limiter,
		logger:     opts.Logger,
	}, nil
}

func (c *Client) apiURL(p string) string {
	u := *c.baseURL
	u.Path = path.Join(strings.TrimSuffix(u.Path, "/"), "/api", p)
	u.RawQuery = ""
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(p), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do runs one call: rate limit, span, request, status mapping, decode.
func (c *Client) do(ctx context.Context, op, method, p string, in, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "api."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.AttrOperation.String(op))
	start := time.Now()
	defer func() {
		telemetry.APIRequests.WithLabelValues(op, telemetry.Outcome(err)).Inc()
		telemetry.APILatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		telemetry.EndSpan(span, err)
		if err != nil {
			c.logger.Warn(logging.CategoryAPI, "request_failed", errors.UserMessage(err), map[string]any{
				"op":     op,
				"method": method,
				"path":   p,
				"code":   string(errors.GetCode(err)),
			})
		}
	}()

	var body io.Reader
	if in != nil {
		data, mErr := json.Marshal(in)
		if mErr != nil {
			return errors.Wrap(mErr, errors.ErrCodeInternal, "encode request").WithContext("op", op)
		}
		body = bytes.NewReader(data)
	}

	if wErr := c.limiter.Wait(ctx); wErr != nil {
		return errors.Wrap(wErr, errors.ErrCodeTransport, "rate limit wait").WithContext("op", op)
	}

	req, rErr := c.newRequest(ctx, method, p, body)
	if rErr != nil {
		return errors.Wrap(rErr, errors.ErrCodeInternal, "build request").WithContext("op", op)
	}
	resp, dErr := c.httpClient.Do(req)
	if dErr != nil {
		return errors.Wrap(dErr, errors.ErrCodeTransport, "request failed").
			WithContext("op", op).
			WithRetryable(ctx.Err() == nil).
			WithUserMessage("Could not reach the session server")
	}
	defer resp.Body.Close()
	span.SetAttributes(telemetry.AttrStatusCode.Int(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, readBodyLimited(resp.Body, maxErrorBodyBytes))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil
	}
	if dErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(out); dErr != nil {
		return errors.Wrap(dErr, errors.ErrCodeValidation, "decode response").WithContext("op", op)
	}
	return nil
}

func readBodyLimited(r io.Reader, maxBytes int64) []byte {
	if r == nil || maxBytes <= 0 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(r, maxBytes))
	return data
}

func escape(id string) string {
	return url.PathEscape(strings.TrimSpace(id))
}

// CreateSession creates a session. A non-positive size uses the server default of 5.
func (c *Client) CreateSession(ctx context.Context, title string, subgroupSize int) (*model.Session, error) {
	if subgroupSize <= 0 {
		subgroupSize = DefaultSubgroupSize
	}
	in := struct {
		Title        string `json:"title"`
		SubgroupSize int    `json:"subgroup_size"`
	}{Title: title, SubgroupSize: subgroupSize}
	var out model.Session
	if err := c.do(ctx, "create_session", http.MethodPost, "/sessions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinSession registers a participant by join code.
func (c *Client) JoinSession(ctx context.Context, joinCode, displayName string) (*model.User, error) {
	in := struct {
		DisplayName string `json:"display_name"`
		JoinCode    string `json:"join_code"`
	}{DisplayName: displayName, JoinCode: joinCode}
	var out model.User
	if err := c.do(ctx, "join_session", http.MethodPost, "/users", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSession starts a waiting session and returns the formed subgroups.
func (c *Client) StartSession(ctx context.Context, sessionID string) ([]model.Subgroup, error) {
	var out []model.Subgroup
	if err := c.do(ctx, "start_session", http.MethodPost, "/sessions/"+escape(sessionID)+"/start", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopSession ends a session.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "stop_session", http.MethodPost, "/sessions/"+escape(sessionID)+"/stop", nil, nil)
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var out model.Session
	if err := c.do(ctx, "get_session", http.MethodGet, "/sessions/"+escape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSubgroups(ctx context.Context, sessionID string) ([]model.Subgroup, error) {
	var out []model.Subgroup
	if err := c.do(ctx, "list_subgroups", http.MethodGet, "/sessions/"+escape(sessionID)+"/subgroups", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListIdeas(ctx context.Context, sessionID string) ([]model.Idea, error) {
	var out []model.Idea
	if err := c.do(ctx, "list_ideas", http.MethodGet, "/sessions/"+escape(sessionID)+"/ideas", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetResults(ctx context.Context, sessionID string) (*model.Results, error) {
	var out model.Results
	if err := c.do(ctx, "get_results", http.MethodGet, "/sessions/"+escape(sessionID)+"/results", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns the message backlog of the user's subgroup.
func (c *Client) ListMessages(ctx context.Context, userID string) ([]model.Message, error) {
	var out []model.Message
	if err := c.do(ctx, "list_messages", http.MethodGet, "/users/"+escape(userID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var out model.User
	if err := c.do(ctx, "get_user", http.MethodGet, "/users/"+escape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// String identifies the endpoint in logs.
func (c *Client) String() string {
	return fmt.Sprintf("api.Client{%s}", c.apiURL("/"))
}
