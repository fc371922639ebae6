package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"leadflow/config"
)

// LinkedInSender sends direct messages through the LinkedIn messaging API.
// LinkedIn gives no delivery or read receipts, so a successful send is the
// last thing this channel will ever report about a message.
type LinkedInSender struct {
	cfg    config.LinkedInConfig
	client *fasthttp.Client
}

func NewLinkedInSender(cfg config.LinkedInConfig) *LinkedInSender {
	return &LinkedInSender{
		cfg: cfg,
		client: &fasthttp.Client{
			MaxConnsPerHost: 16,
		},
	}
}

type linkedInRequest struct {
	RecipientURL string `json:"recipient"`
	Body         string `json:"body"`
}

type linkedInResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *LinkedInSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.cfg.APIURL == "" || s.cfg.AccessToken == "" {
		return "", Permanent(fmt.Errorf("linkedin channel is not configured"))
	}

	payload, err := json.Marshal(linkedInRequest{
		RecipientURL: msg.To,
		Body:         msg.Body,
	})
	if err != nil {
		return "", Permanent(err)
	}

	status, body, err := postJSON(ctx, s.client, s.cfg.APIURL+"/messages", s.cfg.AccessToken, payload)
	if err != nil {
		return "", Transient(err)
	}

	var resp linkedInResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", Transient(fmt.Errorf("linkedin: malformed response: %w", err))
	}

	if err := classifyHTTPStatus("linkedin", status, resp.Message); err != nil {
		return "", err
	}
	if resp.ID == "" {
		// LinkedIn accepted the message but gave no id. Fall back to our
		// own id so the row still gets a correlation handle.
		return msg.MessageID, nil
	}
	return resp.ID, nil
}
