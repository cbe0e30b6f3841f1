// Package provider is the outbound SMS transport. Failures are classified as
// transient or permanent; only transient ones are retried, and the class
// survives retry exhaustion so the caller can leave the message queued for
// the outer queue-level retry.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"smscast/internal/domain"
	"smscast/internal/observability"
)

type SendRequest struct {
	To          string            `json:"to"`
	Text        string            `json:"text"`
	Meta        map[string]string `json:"meta,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
}

type SendResponse struct {
	ID           string `json:"id"`
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// ProviderMsgID returns whichever id field the provider populated.
func (r SendResponse) ProviderMsgID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.MessageID
}

type Client struct {
	Name    string
	BaseURL string
	APIKey  string

	// HTTP carries the per-attempt timeout.
	HTTP *http.Client

	// MaxAttempts bounds local retries on transient errors (default 3).
	MaxAttempts int
	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker
}

// backoffSchedule paces local retries: 100ms, 500ms, 2s.
var backoffSchedule = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return backoffSchedule[0]
	}
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// Classify maps a call outcome to an error class. Network and timeout
// errors, 5xx, 429 and 408 are transient; every other 4xx is permanent.
func Classify(err error, httpStatus int) domain.ErrorClass {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ClassTransient
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return domain.ClassTransient
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return domain.ClassTransient
		}
		if httpStatus == 0 {
			// Couldn't reach the provider at all.
			return domain.ClassTransient
		}
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return domain.ClassTransient
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return domain.ClassTransient
	}
	return domain.ClassPermanent
}

// Send performs the outbound call with bounded local retries. The returned
// error, when non-nil, is always a *domain.ProviderError.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr *domain.ProviderError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return SendResponse{}, domain.NewProviderError(domain.ClassTransient, "rate_limited_local", "", 0, err)
			}
		}

		resp, perr := c.attempt(ctx, req)
		if perr == nil {
			return resp, nil
		}
		if !perr.Transient() {
			observability.ProviderSend.WithLabelValues("permanent", strconv.Itoa(perr.HTTPStatus)).Inc()
			return SendResponse{}, perr
		}

		observability.ProviderSend.WithLabelValues("transient", strconv.Itoa(perr.HTTPStatus)).Inc()
		lastErr = perr

		// Breaker open means the provider is already drowning; back off to
		// the outer retry immediately instead of hammering locally.
		if perr.Code == "breaker_open" {
			return SendResponse{}, perr
		}

		if attempt < maxAttempts-1 {
			select {
			case <-time.After(Backoff(attempt)):
			case <-ctx.Done():
				return SendResponse{}, domain.NewProviderError(domain.ClassTransient, "canceled", "", 0, ctx.Err())
			}
		}
	}
	return SendResponse{}, lastErr
}

func (c *Client) attempt(ctx context.Context, req SendRequest) (SendResponse, *domain.ProviderError) {
	call := func() (any, error) {
		return c.post(ctx, req)
	}

	var (
		out any
		err error
	)
	if c.Breaker != nil {
		out, err = c.Breaker.Execute(call)
	} else {
		out, err = call()
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return SendResponse{}, domain.NewProviderError(domain.ClassTransient, "breaker_open", "", 0, err)
	}
	if err != nil {
		var perr *domain.ProviderError
		if errors.As(err, &perr) {
			return SendResponse{}, perr
		}
		return SendResponse{}, domain.NewProviderError(Classify(err, 0), "", "", 0, err)
	}
	return out.(SendResponse), nil
}

func (c *Client) post(ctx context.Context, req SendRequest) (SendResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SendResponse{}, domain.NewProviderError(domain.ClassPermanent, "encode_failed", err.Error(), 0, err)
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/send"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResponse{}, domain.NewProviderError(domain.ClassPermanent, "bad_request", err.Error(), 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	observability.ProviderLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return SendResponse{}, domain.NewProviderError(Classify(err, 0), "", "", 0, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := Classify(nil, resp.StatusCode)
		code := out.ErrorCode
		if code == "" {
			code = "http_" + strconv.Itoa(resp.StatusCode)
		}
		msg := out.ErrorMessage
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return SendResponse{}, domain.NewProviderError(class, code, msg, resp.StatusCode, nil)
	}

	observability.ProviderSend.WithLabelValues("ok", strconv.Itoa(resp.StatusCode)).Inc()
	return out, nil
}
