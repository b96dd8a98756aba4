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

// MessagingHandler posts a rendered message to an external chat
// destination. config carries {bot_token, chat_id, message_template,
// parse_mode?}; gatewayURL is the messaging bot API base (e.g. a Telegram
// Bot API host) shared across deliveries of this handler.
type MessagingHandler struct {
	client    *http.Client
	gatewayURL string
}

// NewMessagingHandler constructs a MessagingHandler posting against
// gatewayURL + "/bot<token>/sendMessage".
func NewMessagingHandler(gatewayURL string) *MessagingHandler {
	return &MessagingHandler{client: httputil.CopyHTTPClientWithTimeout(nil, 30*time.Second, false), gatewayURL: gatewayURL}
}

func (h *MessagingHandler) Execute(ctx context.Context, job Job) Result {
	botToken, _ := job.Config["bot_token"].(string)
	chatID, _ := job.Config["chat_id"].(string)
	messageTemplate, _ := job.Config["message_template"].(string)
	if botToken == "" || chatID == "" || messageTemplate == "" {
		return Result{Success: false, Retriable: false, Err: errors.WorkerTemplateInvalid("bot_token/chat_id/message_template", nil)}
	}

	message, err := RenderTemplate(messageTemplate, job.Event.TemplateData(job.ChainName))
	if err != nil {
		return Result{Success: false, Retriable: false, Err: err}
	}

	envelope := map[string]interface{}{
		"chat_id": chatID,
		"text":    message,
	}
	if parseMode, ok := job.Config["parse_mode"].(string); ok && parseMode != "" {
		envelope["parse_mode"] = parseMode
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return Result{Success: false, Retriable: false, Err: errors.WorkerTemplateInvalid("payload", err)}
	}

	endpoint := joinGatewayURL(h.gatewayURL, "/bot"+botToken+"/sendMessage")
	if endpoint == "" {
		return Result{Success: false, Retriable: false, Err: errors.WorkerDeliveryFailed("messaging-notification", fmt.Errorf("messaging gateway URL not configured"))}
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var respBody []byte
	err = func() error {
		req, reqErr := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := h.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()

		body, _, readErr := httputil.ReadAllWithLimit(resp.Body, 32<<10)
		if readErr != nil {
			return readErr
		}
		respBody = body

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("messaging gateway returned %s", resp.Status)
		default:
			return permanentRefusal{fmt.Errorf("messaging gateway returned %s", resp.Status)}
		}
	}()

	if err != nil {
		if _, permanent := err.(permanentRefusal); permanent {
			return Result{Success: false, Retriable: false, Err: errors.WorkerDeliveryFailed("messaging-notification", err)}
		}
		return Result{Success: false, Retriable: true, Err: errors.WorkerDeliveryFailed("messaging-notification", err)}
	}

	return Result{Success: true, ResponseData: respBody}
}

func joinGatewayURL(base, path string) string {
	joined, _, err := httputil.NormalizeBaseURL(base)
	if err != nil {
		return ""
	}
	return joined + path
}
