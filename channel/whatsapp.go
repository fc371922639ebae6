package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"leadflow/config"
)

// WhatsAppSender sends template-free text messages through the WhatsApp
// Business Cloud API.
type WhatsAppSender struct {
	cfg    config.WhatsAppConfig
	client *fasthttp.Client
}

func NewWhatsAppSender(cfg config.WhatsAppConfig) *WhatsAppSender {
	return &WhatsAppSender{
		cfg: cfg,
		client: &fasthttp.Client{
			MaxConnsPerHost: 64,
		},
	}
}

type whatsAppRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             whatsAppTextBody `json:"text"`
}

type whatsAppTextBody struct {
	Body string `json:"body"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *WhatsAppSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.cfg.APIURL == "" || s.cfg.AccessToken == "" {
		return "", Permanent(fmt.Errorf("whatsapp channel is not configured"))
	}

	payload, err := json.Marshal(whatsAppRequest{
		MessagingProduct: "whatsapp",
		To:               msg.To,
		Type:             "text",
		Text:             whatsAppTextBody{Body: msg.Body},
	})
	if err != nil {
		return "", Permanent(err)
	}

	status, body, err := postJSON(ctx, s.client, s.cfg.APIURL+"/messages", s.cfg.AccessToken, payload)
	if err != nil {
		return "", Transient(err)
	}

	var resp whatsAppResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", Transient(fmt.Errorf("whatsapp: malformed response: %w", err))
	}

	if err := classifyHTTPStatus("whatsapp", status, resp.Error.Message); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", Transient(fmt.Errorf("whatsapp: accepted without a message id"))
	}
	return resp.Messages[0].ID, nil
}

// postJSON issues an authorized POST with the deadline taken from ctx.
func postJSON(ctx context.Context, client *fasthttp.Client, url, token string, payload []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.SetBody(payload)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return resp.StatusCode(), body, nil
}

// classifyHTTPStatus sorts provider HTTP statuses into the retry taxonomy.
// Throttling and request timeouts are transient even though they are 4xx.
func classifyHTTPStatus(provider string, status int, detail string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == fasthttp.StatusRequestTimeout || status == fasthttp.StatusTooManyRequests:
		return Transient(fmt.Errorf("%s: status %d: %s", provider, status, detail))
	case status >= 400 && status < 500:
		return Permanent(fmt.Errorf("%s: status %d: %s", provider, status, detail))
	default:
		return Transient(fmt.Errorf("%s: status %d: %s", provider, status, detail))
	}
}
