// Package apiclient is the HTTP transport to the REST server. It classifies
// every failure into the connectivity / server rejection taxonomy used by the
// sync engine and the cache gateway.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
	"github.com/sony/gobreaker"
	"github.com/wurt83ow/offsync/pkg/appcontext"
	"go.uber.org/zap"
)

// ErrNetworkUnavailable marks every failure where the request never reached
// the server.
var ErrNetworkUnavailable = errors.New("network unavailable")

// StatusError is a response with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Sprintf("server rejected request: %s", e.Status)
	}
	return fmt.Sprintf("server rejected request: %s: %s", e.Status, msg)
}

// IsConnectivityError reports whether err means the server was not reached.
func IsConnectivityError(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// RequestEditorFn  is the function signature for the RequestEditor callback function
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// Doer performs HTTP requests.
//
// The standard http.Client implements this interface.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the REST server.
type Client struct {
	// The endpoint of the server, with scheme, http://localhost:8080 for
	// example. Endpoints passed to Do are resolved against it.
	Server string

	// Doer for performing requests, typically a *http.Client with any
	// customized settings, such as timeouts.
	Client HttpRequestDoer

	// A list of callbacks for modifying requests which are generated before sending over
	// the network.
	RequestEditors []RequestEditorFn

	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// ClientOption allows setting custom parameters during construction
type ClientOption func(*Client) error

// Creates a new Client, with reasonable defaults
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	client := Client{
		Server: server,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(&client); err != nil {
			return nil, err
		}
	}
	// ensure the server URL always has a trailing slash
	if !strings.HasSuffix(client.Server, "/") {
		client.Server += "/"
	}
	if _, err := url.Parse(client.Server); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if client.Client == nil {
		client.Client = &http.Client{}
	}
	return &client, nil
}

// WithHTTPClient allows overriding the default Doer, which is
// automatically created using http.Client. This is useful for tests.
func WithHTTPClient(doer HttpRequestDoer) ClientOption {
	return func(c *Client) error {
		c.Client = doer
		return nil
	}
}

// WithRequestEditorFn allows setting up a callback function, which will be
// called right before sending the request. This can be used to mutate the request.
func WithRequestEditorFn(fn RequestEditorFn) ClientOption {
	return func(c *Client) error {
		c.RequestEditors = append(c.RequestEditors, fn)
		return nil
	}
}

// WithBaseURL overrides the baseURL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) error {
		newBaseURL, err := url.Parse(baseURL)
		if err != nil {
			return err
		}
		c.Server = newBaseURL.String()
		return nil
	}
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// BreakerSettings configures WithCircuitBreaker.
type BreakerSettings struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// WithCircuitBreaker stops sending requests once the failure ratio crosses
// the threshold. Only connectivity failures and 5xx responses count. While
// the breaker is open every call fails with ErrNetworkUnavailable.
func WithCircuitBreaker(s BreakerSettings) ClientOption {
	return func(c *Client) error {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: s.MaxRequests,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < s.MinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= s.FailureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				c.logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
		})
		return nil
	}
}

// BearerToken adds the token stored with appcontext.WithJWTToken, if any.
func BearerToken(ctx context.Context, req *http.Request) error {
	if token, ok := appcontext.GetJWTToken(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id, ok := appcontext.GetDeviceID(ctx); ok {
		req.Header.Set("X-Device-ID", id)
	}
	return nil
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// errServerFault only feeds the breaker's failure count.
type errServerFault struct{ resp *Response }

func (e errServerFault) Error() string { return "server fault" }

// Do sends verb to endpoint with an optional JSON body. It returns
//   - an error wrapping ErrNetworkUnavailable when the server was not reached,
//   - a *StatusError for any non-2xx response,
//   - the context error when ctx is done.
func (c *Client) Do(ctx context.Context, verb, endpoint string, body []byte, reqEditors ...RequestEditorFn) (*Response, error) {
	req, err := NewRequest(c.Server, verb, endpoint, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}

	if c.breaker == nil {
		resp, err := c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		return checkStatus(resp)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.send(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, errServerFault{resp: resp}
		}
		return resp, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	case err != nil:
		var fault errServerFault
		if errors.As(err, &fault) {
			return checkStatus(fault.resp)
		}
		return nil, err
	}
	return checkStatus(out.(*Response))
}

func (c *Client) send(ctx context.Context, req *http.Request) (*Response, error) {
	rsp, err := c.Client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetworkUnavailable, req.Method, req.URL.Path, err)
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: read response: %v", ErrNetworkUnavailable, err)
	}
	return &Response{StatusCode: rsp.StatusCode, Header: rsp.Header, Body: body}, nil
}

func checkStatus(resp *Response) (*Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Body:       resp.Body,
		}
	}
	return resp, nil
}

// NewRequest builds a request for endpoint relative to server.
func NewRequest(server, verb, endpoint string, body []byte) (*http.Request, error) {
	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}

	operationPath := endpoint
	if operationPath == "" || operationPath[0] != '/' {
		operationPath = "/" + operationPath
	}
	operationPath = "." + operationPath

	queryURL, err := serverURL.Parse(operationPath)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(verb, queryURL.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	return req, nil
}

// ResourcePath appends a path-escaped id to a collection endpoint.
func ResourcePath(endpoint string, id string) (string, error) {
	pathParam0, err := runtime.StyleParamWithLocation("simple", false, "id", runtime.ParamLocationPath, id)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(endpoint, "/") + "/" + pathParam0, nil
}

func (c *Client) applyEditors(ctx context.Context, req *http.Request, additionalEditors []RequestEditorFn) error {
	for _, r := range c.RequestEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	for _, r := range additionalEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
