package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dripline/models"
	"dripline/utils"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// GatewayAdapter delivers sms, voice and linkedin steps through an HTTP
// provider gateway that accepts a JSON message and answers with its id.
type GatewayAdapter struct {
	channel models.Channel
	URL     string
	APIKey  string
	Client  *fasthttp.Client
	Timeout time.Duration
	Retry   RetryPolicy
	Logger  *logrus.Entry
}

type gatewayRequest struct {
	Channel   models.Channel `json:"channel"`
	To        string         `json:"to"`
	Name      string         `json:"name,omitempty"`
	Body      string         `json:"body"`
	Reference string         `json:"reference"`
}

type gatewayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func NewGatewayAdapter(channel models.Channel, url, apiKey string) *GatewayAdapter {
	return &GatewayAdapter{
		channel: channel,
		URL:     url,
		APIKey:  apiKey,
		Client: &fasthttp.Client{
			Name:                "dripline",
			MaxConnsPerHost:     64,
			ReadTimeout:         15 * time.Second,
			WriteTimeout:        15 * time.Second,
			MaxIdleConnDuration: time.Minute,
		},
		Timeout: 15 * time.Second,
		Retry:   DefaultRetryPolicy(),
		Logger:  utils.NewLogger(string(channel)),
	}
}

func (a *GatewayAdapter) Channel() models.Channel { return a.channel }

// recipient picks the address the channel delivers to.
func (a *GatewayAdapter) recipient(lead LeadContext) string {
	if a.channel == models.ChannelLinkedIn {
		return lead.LinkedInURL
	}
	return lead.Phone
}

func (a *GatewayAdapter) Send(ctx context.Context, lead LeadContext, content Content) Result {
	to := a.recipient(lead)
	if to == "" {
		return Failed("", Permanent(fmt.Errorf("lead %d has no %s address", lead.LeadID, a.channel)))
	}

	payload, err := json.Marshal(gatewayRequest{
		Channel:   a.channel,
		To:        to,
		Name:      lead.Name,
		Body:      content.Body,
		Reference: fmt.Sprintf("enrollment-%d-step-%d", lead.EnrollmentID, lead.Position),
	})
	if err != nil {
		return Failed("", Permanent(err))
	}

	ref, err := a.Retry.Do(ctx, func(ctx context.Context) (string, error) {
		return a.post(ctx, payload)
	})
	if err != nil {
		a.Logger.WithFields(logrus.Fields{
			"lead_id":       lead.LeadID,
			"enrollment_id": lead.EnrollmentID,
			"error":         err.Error(),
		}).Warn("Gateway dispatch failed")
		return Failed(ref, err)
	}
	return Sent(ref)
}

func (a *GatewayAdapter) post(ctx context.Context, payload []byte) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}
	req.SetBody(payload)

	deadline := time.Now().Add(a.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.Client.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) && ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Transient(err)
	}

	var body gatewayResponse
	var decodeErr error
	if raw := resp.Body(); len(raw) > 0 {
		if decodeErr = json.Unmarshal(raw, &body); decodeErr != nil && body.Error == "" {
			body.Error = string(raw)
		}
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		if decodeErr != nil {
			return "", Permanent(fmt.Errorf("gateway accepted message but its response could not be decoded: %w", decodeErr))
		}
		if body.ID == "" {
			return "", Permanent(errors.New("gateway accepted message without an id"))
		}
		return body.ID, nil
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return "", Transient(fmt.Errorf("gateway responded %d: %s", status, body.Error))
	default:
		return "", Permanent(fmt.Errorf("gateway rejected message (%d): %s", status, body.Error))
	}
}
