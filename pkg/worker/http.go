package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/pkg/dispatch"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/template"
)

// HTTPExecutor performs the http tool: one request, response captured as the
// step result. Inputs override the tool's declared method/url/headers/body.
type HTTPExecutor struct {
	client *resty.Client
}

// NewHTTPExecutor builds the http executor.
func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: resty.New()}
}

// httpResult is the step result shape for http tasks.
type httpResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Elapsed int64             `json:"elapsed_ms"`
}

// Execute runs the request described by the task's tool and inputs.
func (e *HTTPExecutor) Execute(ctx context.Context, spec *dispatch.TaskSpec) (json.RawMessage, error) {
	tool := spec.Tool.HTTP
	if tool == nil {
		return nil, &ExecError{Kind: models.KindInputValidation, Message: "http task missing tool config"}
	}

	env := template.Context{}
	for k, v := range spec.Inputs {
		env[k] = v
	}

	url, err := renderText(tool.URL, env)
	if err != nil {
		return nil, &ExecError{Kind: models.KindInputValidation, Message: fmt.Sprintf("bad url template: %v", err)}
	}

	req := e.client.R().SetContext(ctx)
	for name, value := range tool.Headers {
		rendered, err := renderText(value, env)
		if err != nil {
			return nil, &ExecError{Kind: models.KindInputValidation, Message: fmt.Sprintf("bad header %s: %v", name, err)}
		}
		req.SetHeader(name, rendered)
	}
	if tool.Body != nil {
		body, err := template.Render(tool.Body, env)
		if err != nil {
			return nil, &ExecError{Kind: models.KindInputValidation, Message: fmt.Sprintf("bad body template: %v", err)}
		}
		req.SetBody(body)
	}
	if bearer, ok := spec.Inputs["__bearer_token"].(string); ok && bearer != "" {
		req.SetAuthToken(bearer)
	}

	start := time.Now()
	resp, err := req.Execute(tool.Method, url)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	result := httpResult{
		Status:  resp.StatusCode(),
		Headers: flattenHeaders(resp),
		Elapsed: time.Since(start).Milliseconds(),
	}
	body := resp.Body()
	if json.Valid(body) {
		result.Body = body
	} else if len(body) > 0 {
		result.Body, _ = json.Marshal(string(body))
	}

	if resp.IsError() {
		out, _ := json.Marshal(result)
		return out, fmt.Errorf("http request returned %s", resp.Status())
	}
	return json.Marshal(result)
}

func flattenHeaders(resp *resty.Response) map[string]string {
	headers := make(map[string]string, len(resp.Header()))
	for name, values := range resp.Header() {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return headers
}

func renderText(s string, env template.Context) (string, error) {
	out, err := template.RenderString(s, env)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(out), nil
}
