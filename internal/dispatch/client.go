package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
)

const (
	CommandSendBirthday    = "send_birthday_messages"
	CommandCollectBirthday = "collect_birthdays"
	CommandSendBilling     = "send_billing_reminders"
	CommandCollectBilling  = "collect_billing"

	maxErrorBody = 4 << 10
)

// Target is one message handed to a send webhook.
type Target struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Phone     string   `json:"phone"`
	Message   string   `json:"message"`
	BirthDate string   `json:"birthDate,omitempty"`
	DueDate   string   `json:"dueDate,omitempty"`
	Amount    *float64 `json:"amount,omitempty"`
	ChargeRef string   `json:"chargeRef,omitempty"`
}

// DateRange bounds a collect run, both ends inclusive, as yyyy-mm-dd.
type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Request struct {
	BatchID      string     `json:"batchId"`
	CompanyTaxID string     `json:"companyTaxId"`
	Command      string     `json:"command"`
	Targets      []Target   `json:"targets,omitempty"`
	DateRange    *DateRange `json:"dateRange,omitempty"`
}

type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Response is the webhook answer. Metadata is optional.
type Response struct {
	Message  string `json:"message,omitempty"`
	Metadata struct {
		Rejected []Rejection `json:"rejected,omitempty"`
	} `json:"metadata"`
}

// RejectedIDs indexes the rejection reasons by target id.
func (r Response) RejectedIDs() map[string]string {
	out := make(map[string]string, len(r.Metadata.Rejected))
	for _, rej := range r.Metadata.Rejected {
		out[rej.ID] = rej.Reason
	}
	return out
}

// Client posts campaign commands to the delivery webhooks.
type Client struct {
	HTTP   *http.Client
	Logger zerolog.Logger
}

func NewClient(timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		HTTP:   &http.Client{Timeout: timeout},
		Logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// Send posts targets to a send webhook. A 2xx answer means the remote took
// the batch; its metadata may still reject some targets.
func (c *Client) Send(ctx context.Context, url string, req Request) (Response, error) {
	return c.post(ctx, url, req)
}

// Collect asks a collect webhook to populate the store for a date range.
// Its results arrive through the change feed, not in the response.
func (c *Client) Collect(ctx context.Context, url string, req Request) error {
	_, err := c.post(ctx, url, req)
	return err
}

func (c *Client) post(ctx context.Context, url string, req Request) (Response, error) {
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s request: %w", req.Command, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create %s request: %w", req.Command, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%s request failed: %w", req.Command, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read %s response: %w", req.Command, err)
	}

	log := c.Logger.With().
		Str("command", req.Command).
		Str("batch", req.BatchID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Logger()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(raw))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		log.Warn().Msg("webhook rejected request")
		return Response{}, &appErrors.ErrRemoteStatus{URL: url, StatusCode: resp.StatusCode, Body: text}
	}

	var out Response
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			// the batch was accepted; without metadata nothing counts as rejected
			log.Warn().Err(err).Msg("webhook answered with an unreadable body")
			return Response{}, nil
		}
	}

	log.Info().Int("targets", len(req.Targets)).Int("rejected", len(out.Metadata.Rejected)).Msg("webhook accepted request")
	return out, nil
}
