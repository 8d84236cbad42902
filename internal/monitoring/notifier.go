package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nshruti113/admission-guard/internal/models"
)

// Notifier delivers alerts to one channel.
type Notifier interface {
	Name() string
	SendAlert(ctx context.Context, alert models.Alert) error
}

type WebhookConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URLs    []string `mapstructure:"urls"`
}

type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type SMSConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	GatewayURL string   `mapstructure:"gateway_url"`
	APIKey     string   `mapstructure:"api_key"`
	Recipients []string `mapstructure:"recipients"`
	// MinSeverity filters out alerts below this severity.
	MinSeverity string `mapstructure:"min_severity"`
}

// Publisher fans alerts out to live subscribers. storage.RedisStore implements it.
type Publisher interface {
	PublishAlert(ctx context.Context, alert models.Alert) error
}

// BuildNotifiers returns the log notifier plus every enabled channel.
// publisher may be nil.
func BuildNotifiers(cfg Config, publisher Publisher, logger logrus.FieldLogger) []Notifier {
	client := &http.Client{Timeout: 10 * time.Second}
	notifiers := []Notifier{NewLogNotifier(logger)}

	if publisher != nil {
		notifiers = append(notifiers, NewPublishNotifier(publisher))
	}
	if cfg.Webhook.Enabled && len(cfg.Webhook.URLs) > 0 {
		notifiers = append(notifiers, NewWebhookNotifier(cfg.Webhook.URLs, client))
	}
	if cfg.Email.Enabled && cfg.Email.Host != "" && len(cfg.Email.To) > 0 {
		notifiers = append(notifiers, NewEmailNotifier(cfg.Email))
	}
	if cfg.SMS.Enabled && cfg.SMS.GatewayURL != "" && len(cfg.SMS.Recipients) > 0 {
		notifiers = append(notifiers, NewSMSNotifier(cfg.SMS, client))
	}
	return notifiers
}

// LogNotifier sends alerts to local logs
type LogNotifier struct {
	logger logrus.FieldLogger
}

func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (ln *LogNotifier) Name() string { return "log" }

func (ln *LogNotifier) SendAlert(_ context.Context, alert models.Alert) error {
	ln.logger.Warnf("ALERT [%s] %s: %s", alert.Severity, alert.Type, alert.Message)
	return nil
}

// PublishNotifier publishes alerts on the store's pub/sub channel.
type PublishNotifier struct {
	publisher Publisher
}

func NewPublishNotifier(p Publisher) *PublishNotifier {
	return &PublishNotifier{publisher: p}
}

func (pn *PublishNotifier) Name() string { return "redis" }

func (pn *PublishNotifier) SendAlert(ctx context.Context, alert models.Alert) error {
	return pn.publisher.PublishAlert(ctx, alert)
}

// WebhookNotifier POSTs the alert as JSON to every URL.
type WebhookNotifier struct {
	urls   []string
	client *http.Client
}

func NewWebhookNotifier(urls []string, client *http.Client) *WebhookNotifier {
	return &WebhookNotifier{urls: urls, client: client}
}

func (wn *WebhookNotifier) Name() string { return "webhook" }

func (wn *WebhookNotifier) SendAlert(ctx context.Context, alert models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	var errs []error
	for _, url := range wn.urls {
		if err := postJSON(ctx, wn.client, url, body, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// EmailNotifier sends plain-text alerts over SMTP.
type EmailNotifier struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, send: smtp.SendMail}
}

func (en *EmailNotifier) Name() string { return "email" }

func (en *EmailNotifier) SendAlert(ctx context.Context, alert models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if en.cfg.Username != "" {
		auth = smtp.PlainAuth("", en.cfg.Username, en.cfg.Password, en.cfg.Host)
	}
	addr := en.cfg.Host + ":" + strconv.Itoa(en.cfg.Port)
	if err := en.send(addr, auth, en.cfg.From, en.cfg.To, formatEmail(en.cfg.From, en.cfg.To, alert)); err != nil {
		return fmt.Errorf("smtp %s: %w", addr, err)
	}
	return nil
}

func formatEmail(from string, to []string, alert models.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(alert.Severity), alert.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "Type: %s\r\n", alert.Type)
	fmt.Fprintf(&b, "Time: %s\r\n", alert.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Alert ID: %s\r\n", alert.ID)
	return []byte(b.String())
}

// SMSNotifier sends a short message per recipient through an HTTP gateway.
type SMSNotifier struct {
	cfg    SMSConfig
	client *http.Client
}

func NewSMSNotifier(cfg SMSConfig, client *http.Client) *SMSNotifier {
	return &SMSNotifier{cfg: cfg, client: client}
}

func (sn *SMSNotifier) Name() string { return "sms" }

var severityRank = map[string]int{
	models.SeverityInfo:     0,
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

func (sn *SMSNotifier) SendAlert(ctx context.Context, alert models.Alert) error {
	if sn.cfg.MinSeverity != "" && severityRank[alert.Severity] < severityRank[sn.cfg.MinSeverity] {
		return nil
	}

	text := fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), alert.Title)
	if len(text) > 160 {
		text = text[:160]
	}
	header := http.Header{}
	if sn.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+sn.cfg.APIKey)
	}

	var errs []error
	for _, to := range sn.cfg.Recipients {
		body, err := json.Marshal(map[string]string{"to": to, "message": text})
		if err != nil {
			return err
		}
		if err := postJSON(ctx, sn.client, sn.cfg.GatewayURL, body, header); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}
