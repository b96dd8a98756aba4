package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/httputil"
)

// WebhookHandler delivers an action as a single HTTP request (POST unless
// config "method" names another) to a user-configured endpoint. 2xx and 3xx responses are success; 5xx, 408, and
// 429 are retriable (the job queue's own backoff/dead-letter tier owns all
// retry scheduling); any other 4xx is a permanent refusal.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler constructs a WebhookHandler with a bounded-timeout
// client; per-call timeout still comes from Job.Timeout via the request
// context, so the client's own timeout is only a last-resort backstop.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{client: httputil.CopyHTTPClientWithTimeout(nil, 30*time.Second, false)}
}

func (h *WebhookHandler) Execute(ctx context.Context, job Job) Result {
	rendered, err := RenderConfig(job.Config, job.Event.TemplateData(job.ChainName))
	if err != nil {
		return Result{Success: false, Retriable: false, Err: err}
	}

	endpoint, ok := rendered["url"].(string)
	if !ok || endpoint == "" {
		return Result{Success: false, Retriable: false, Err: errors.WorkerTemplateInvalid("url", nil)}
	}
	normalized, _, err := httputil.NormalizeWebhookURL(endpoint)
	if err != nil {
		return Result{Success: false, Retriable: false, Err: errors.WorkerDeliveryFailed("webhook", err)}
	}

	method := http.MethodPost
	if m, ok := rendered["method"].(string); ok && m != "" {
		method = m
	}

	bodyTemplate, _ := job.Config["body_template"].(string)
	var payload []byte
	if bodyTemplate != "" {
		rendered, renderErr := RenderTemplate(bodyTemplate, job.Event.TemplateData(job.ChainName))
		if renderErr != nil {
			return Result{Success: false, Retriable: false, Err: renderErr}
		}
		payload = []byte(rendered)
	} else {
		payload, err = json.Marshal(rendered)
		if err != nil {
			return Result{Success: false, Retriable: false, Err: errors.WorkerTemplateInvalid("payload", err)}
		}
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var respBody []byte
	err = func() error {
		req, reqErr := http.NewRequestWithContext(reqCtx, method, normalized, bytes.NewReader(payload))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		if headers, ok := rendered["headers"].(map[string]interface{}); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}

		resp, doErr := h.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		body, _, readErr := httputil.ReadAllWithLimit(resp.Body, 64<<10)
		if readErr != nil {
			return readErr
		}
		respBody = body

		switch {
		case resp.StatusCode < 400:
			return nil
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook endpoint returned %s", resp.Status)
		default:
			return permanentRefusal{fmt.Errorf("webhook endpoint returned %s", resp.Status)}
		}
	}()

	if err != nil {
		if _, permanent := err.(permanentRefusal); permanent {
			return Result{Success: false, Retriable: false, Err: errors.WorkerDeliveryFailed("webhook", err)}
		}
		return Result{Success: false, Retriable: true, Err: errors.WorkerDeliveryFailed("webhook", err)}
	}

	return Result{Success: true, ResponseData: respBody}
}

// permanentRefusal wraps a 4xx response (other than 408/429) so the caller
// can distinguish a refusal that retrying will never fix from a transient
// failure.
type permanentRefusal struct{ error }

func (r permanentRefusal) Unwrap() error { return r.error }
