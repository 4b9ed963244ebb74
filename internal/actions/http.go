package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rendis/scriptd/pkg/schema"
)

// HTTPConfig tunes the client behind http.request. Zero values take the
// defaults below.
type HTTPConfig struct {
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
}

const (
	defaultHTTPTimeout   = 30 * time.Second
	defaultHTTPRetries   = 2
	defaultHTTPRetryWait = 100 * time.Millisecond
)

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// --- http.request ---

// httpRequestAction performs one HTTP call. Non-2xx replies are a normal
// response with is_error set; only transport failures fail the node.
type httpRequestAction struct {
	client *resty.Client
}

func newHTTPRequestAction(cfg HTTPConfig) *httpRequestAction {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultHTTPRetries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultHTTPRetryWait
	}
	return &httpRequestAction{
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.MaxRetries).
			SetRetryWaitTime(cfg.RetryWait),
	}
}

func (a *httpRequestAction) Name() string { return "http.request" }

func (a *httpRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send an HTTP request and return status and decoded body",
		InputSchema: []byte(`{
			"type": "object",
			"required": ["url"],
			"properties": {
				"url": {"type": "string", "minLength": 1},
				"method": {"type": "string"},
				"headers": {"type": "object"},
				"query": {"type": "object"},
				"body": {}
			}
		}`),
	}
}

func (a *httpRequestAction) Validate(input map[string]any) error {
	u := stringParam(input, "url", "")
	if u == "" {
		return schema.NewError(schema.ErrCodeInvalidParameters, "http.request requires non-empty 'url' string parameter")
	}
	if m := strings.ToUpper(stringParam(input, "method", "GET")); !httpMethods[m] {
		return schema.NewErrorf(schema.ErrCodeInvalidParameters, "http.request: unsupported method %q", m)
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return schema.NewErrorf(schema.ErrCodeInvalidParameters, "http.request: url %q must be http or https", u)
	}
	return nil
}

func (a *httpRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	method := strings.ToUpper(stringParam(input.Params, "method", "GET"))
	url := stringParam(input.Params, "url", "")

	req := a.client.R().
		SetContext(ctx).
		SetHeaders(stringMap(mapParam(input.Params, "headers"))).
		SetQueryParams(stringMap(mapParam(input.Params, "query")))
	if body, ok := input.Params["body"]; ok && body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "%s %s failed", method, url).WithCause(err)
	}

	return output(map[string]any{
		"status":      resp.Status(),
		"status_code": resp.StatusCode(),
		"is_error":    resp.IsError(),
		"headers":     firstValues(resp.Header()),
		"body":        decodeBody(resp.Body()),
	})
}

// decodeBody returns JSON bodies decoded and anything else as text.
func decodeBody(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v
	}
	return string(b)
}

func stringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func firstValues(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
