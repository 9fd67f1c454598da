package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/queue"
)

var (
	ErrWebhookRejected = errors.New("webhook rejected notification")
	ErrWebhookFailed   = errors.New("webhook delivery failed")
	ErrInvalidPayload  = errors.New("invalid notification payload")
)

// Sender posts notifications as JSON to a single webhook endpoint.
type Sender struct {
	client     *http.Client
	url        string
	secret     string
	maxRetries uint64
	backoff    func() retry.Backoff
}

type SenderOption func(*Sender)

func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.client = c }
}

// WithSecret signs each body: X-Webhook-Signature = hex(HMAC-SHA256(secret, "<ts>.<body>")).
func WithSecret(secret string) SenderOption {
	return func(s *Sender) { s.secret = secret }
}

func WithRetries(n uint64, backoff func() retry.Backoff) SenderOption {
	return func(s *Sender) {
		s.maxRetries = n
		if backoff != nil {
			s.backoff = backoff
		}
	}
}

func NewSender(url string, opts ...SenderOption) *Sender {
	s := &Sender{
		client:     &http.Client{Timeout: 10 * time.Second},
		url:        url,
		maxRetries: 2,
		backoff: func() retry.Backoff {
			return retry.NewExponential(time.Second)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send retries network errors and 5xx responses. Any 4xx is final.
func (s *Sender) Send(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	b := retry.WithMaxRetries(s.maxRetries, s.backoff())
	return retry.Do(ctx, b, func(ctx context.Context) error {
		status, err := s.post(ctx, n.ID, body)
		switch {
		case err != nil:
			return retry.RetryableError(fmt.Errorf("%w: %w", ErrWebhookFailed, err))
		case status >= 500 || status == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrWebhookFailed, status))
		case status >= 400:
			return fmt.Errorf("%w: status %d", ErrWebhookRejected, status)
		}
		return nil
	})
}

func (s *Sender) post(ctx context.Context, id string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "groupcast-webhook/1.0")
	req.Header.Set("X-Webhook-ID", id)
	if s.secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Webhook-Timestamp", ts)
		req.Header.Set("X-Webhook-Signature", Sign(s.secret, ts, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Sign computes the signature header value for body sent at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Decode accepts a payload as delivered by either queue implementation.
func Decode(payload any) (model.Notification, error) {
	switch p := payload.(type) {
	case model.Notification:
		return p, nil
	case *model.Notification:
		if p == nil {
			return model.Notification{}, ErrInvalidPayload
		}
		return *p, nil
	case []byte:
		var n model.Notification
		if err := json.Unmarshal(p, &n); err != nil {
			return model.Notification{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return n, nil
	}
	return model.Notification{}, fmt.Errorf("%w: unexpected type %T", ErrInvalidPayload, payload)
}

// StartWebhookSubscriber forwards every notification on q to s.
// Undecodable payloads and rejected deliveries are dropped; other failures are
// returned so the queue retries them.
func StartWebhookSubscriber(q queue.Queue, s *Sender, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logger.Component("webhook"))

	return q.Subscribe(queue.TopicAll, func(payload any) error {
		n, err := Decode(payload)
		if err != nil {
			log.Warn("⚠️ Invalid payload", logger.Error(err))
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err = s.Send(ctx, n)
		switch {
		case err == nil:
			log.Debug("📩 Notification forwarded", "topic", n.Topic, "id", n.ID)
			return nil
		case errors.Is(err, ErrWebhookRejected):
			log.Warn("⚠️ Webhook rejected notification", "topic", n.Topic, logger.Error(err))
			return nil
		default:
			log.Error("❌ Failed to forward notification", "topic", n.Topic, logger.Error(err))
			return err
		}
	})
}
