package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// SendWelcome sends the signup welcome mail, mentioning the starter credits.
func (c *Client) SendWelcome(toEmail string, credits int) error {
	text := fmt.Sprintf(
		"Welcome to Somnolog!\n\nYour journal is ready at %s and %d starter credits are waiting for your first interpretations.",
		c.baseURL, credits,
	)
	html := fmt.Sprintf(
		`<p>Welcome to Somnolog!</p><p>Your journal is ready at <a href="%s">%s</a> and %d starter credits are waiting for your first interpretations.</p>`,
		c.baseURL, c.baseURL, credits,
	)
	return c.send(toEmail, "Welcome to Somnolog", html, text)
}

// SendReceipt confirms a finalized purchase (credit pack or add-on).
func (c *Client) SendReceipt(toEmail, item string) error {
	text := fmt.Sprintf("Thanks for your purchase!\n\n%s has been added to your account.", item)
	html := fmt.Sprintf(`<p>Thanks for your purchase!</p><p><strong>%s</strong> has been added to your account.</p>`, item)
	return c.send(toEmail, "Your Somnolog receipt", html, text)
}

func (c *Client) send(toEmail, subject, htmlBody, textBody string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.postmarkapp.com/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
