package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const twilioVerifyURL = "https://verify.twilio.com"

// Twilio Verify error codes.
const (
	twilioMaxCheckAttempts = 60202
	twilioMaxSendAttempts  = 60203
)

// TwilioConfig configures the Twilio Verify client.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	ServiceSID string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// TwilioProvider delegates code generation, storage and delivery to Twilio Verify v2.
type TwilioProvider struct {
	accountSID string
	authToken  string
	base       string
	client     *http.Client
}

// NewTwilioProvider builds a Twilio Verify client. Timeout defaults to 10s.
func NewTwilioProvider(cfg TwilioConfig) *TwilioProvider {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	base := cfg.BaseURL
	if base == "" {
		base = twilioVerifyURL
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		base:       strings.TrimRight(base, "/") + "/v2/Services/" + url.PathEscape(cfg.ServiceSID),
		client:     client,
	}
}

// TwilioError is a non-2xx answer from Twilio.
type TwilioError struct {
	Status  int
	Code    int
	Message string
}

func (e *TwilioError) Error() string {
	return fmt.Sprintf("twilio: status %d: code %d: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps Twilio's rejections of the caller's request onto package
// sentinels. Auth and not-found answers stay unmapped.
func (e *TwilioError) Unwrap() error {
	switch {
	case e.Status == http.StatusTooManyRequests, e.Code == twilioMaxCheckAttempts, e.Code == twilioMaxSendAttempts:
		return ErrTooManyAttempts
	case e.Status == http.StatusBadRequest:
		return ErrRejected
	}
	return nil
}

type verification struct {
	Status string `json:"status"`
	Valid  bool   `json:"valid"`
}

// Start asks Twilio to text a new code. It is not retried: a retry after a
// lost response would send a second SMS.
func (p *TwilioProvider) Start(ctx context.Context, phone string) error {
	form := url.Values{"To": {phone}, "Channel": {"sms"}}
	var out verification
	err := p.post(ctx, "/Verifications", form, &out)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Check asks Twilio whether code is approved. Transport failures are retried.
func (p *TwilioProvider) Check(ctx context.Context, phone, code string) (Status, error) {
	form := url.Values{"To": {phone}, "Code": {code}}
	var out verification
	op := func() error { return p.post(ctx, "/VerificationCheck", form, &out) }

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
	if err != nil {
		var twErr *TwilioError
		// 404 means no pending verification: expired, already approved or never started.
		if errors.As(err, &twErr) && twErr.Status == http.StatusNotFound {
			return StatusFailed, nil
		}
		return StatusFailed, err
	}

	switch out.Status {
	case string(StatusApproved):
		return StatusApproved, nil
	case string(StatusPending):
		return StatusPending, nil
	default:
		return StatusFailed, nil
	}
}

func (p *TwilioProvider) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build twilio request: %w", err))
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		twErr := &TwilioError{Status: resp.StatusCode}
		var body struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &body) == nil {
			twErr.Code = body.Code
			twErr.Message = body.Message
		}
		return backoff.Permanent(twErr)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode twilio response: %w", err))
	}
	return nil
}
