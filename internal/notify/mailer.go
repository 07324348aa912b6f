package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	postmarkEndpoint = "https://api.postmarkapp.com/email"
	defaultTimeout   = 10 * time.Second
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers messages. Delivery failures are surfaced as errors so
// callers can decide whether they are fatal; schedule workflows treat them
// as best-effort.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Postmark sends through the Postmark transactional email API.
type Postmark struct {
	Token         string
	From          string
	MessageStream string
	Client        *http.Client
}

func NewPostmark(token, from, stream string) *Postmark {
	return &Postmark{
		Token:         token,
		From:          from,
		MessageStream: stream,
		Client:        &http.Client{Timeout: defaultTimeout},
	}
}

type postmarkRequest struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	TextBody      string `json:"TextBody,omitempty"`
	HtmlBody      string `json:"HtmlBody,omitempty"`
	MessageStream string `json:"MessageStream,omitempty"`
}

func (p *Postmark) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("mail: no recipient")
	}
	body := postmarkRequest{
		From:          p.From,
		To:            msg.To,
		Subject:       msg.Subject,
		TextBody:      msg.Text,
		HtmlBody:      msg.HTML,
		MessageStream: p.MessageStream,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkEndpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.Token)
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("postmark: status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// LogMailer writes messages to the process log instead of delivering them.
// Used when no Postmark token is configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	log.Printf("mail (not sent): to=%s subject=%q", msg.To, msg.Subject)
	return nil
}
