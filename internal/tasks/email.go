package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"termsched/internal/executor"
	logx "termsched/pkg/logx"
)

const (
	DefaultResendURL = "https://api.resend.com/emails"
	defaultFrom      = "onboarding@resend.dev"
	defaultSubject   = "termsched: job executed"
)

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// sendEmail posts a plain-text message to the Resend API.
//
// Missing credentials fail permanently. 429 and 5xx answers and transport
// errors are retried; other non-2xx answers are not.
func sendEmail(d Deps) executor.Handler {
	return func(ctx context.Context, out chan<- string) error {
		say(out, "sending email")

		apiKey := d.env("RESEND_API_KEY", "")
		to := d.env("SMTP_RECIPIENT", "")
		if apiKey == "" {
			say(out, "error: RESEND_API_KEY missing")
			return executor.NoRetry(fmt.Errorf("RESEND_API_KEY missing"))
		}
		if to == "" {
			say(out, "error: SMTP_RECIPIENT missing")
			return executor.NoRetry(fmt.Errorf("SMTP_RECIPIENT missing"))
		}

		body, err := json.Marshal(resendRequest{
			From:    d.env("SMTP_FROM", defaultFrom),
			To:      []string{to},
			Subject: d.env("EMAIL_SUBJECT", defaultSubject),
			Text: d.env("EMAIL_BODY", fmt.Sprintf(
				"Hello!\n\nThe automated email task was processed by termsched.\n\nTimestamp: %s",
				d.Now().UTC().Format(time.RFC3339))),
		})
		if err != nil {
			return executor.NoRetry(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.ResendURL, bytes.NewReader(body))
		if err != nil {
			return executor.NoRetry(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.HTTP.Do(req)
		if err != nil {
			say(out, "error: http request failed")
			return fmt.Errorf("resend: %w", err)
		}
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			d.Log.Info("email sent", logx.String("to", to))
			say(out, "email sent")
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			say(out, fmt.Sprintf("resend api error (%d)", resp.StatusCode))
			return fmt.Errorf("resend: status %d: %s", resp.StatusCode, bytes.TrimSpace(text))
		default:
			say(out, fmt.Sprintf("resend api error (%d)", resp.StatusCode))
			return executor.NoRetry(fmt.Errorf("resend: status %d: %s", resp.StatusCode, bytes.TrimSpace(text)))
		}
	}
}
