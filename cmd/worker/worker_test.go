package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/groupcast/internal/config"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/model"
	"github.com/unclebandit/groupcast/internal/notify"
	"github.com/unclebandit/groupcast/internal/queue"
)

func TestWorkerForwardsNotifications(t *testing.T) {
	type delivery struct {
		n         model.Notification
		signature string
		valid     bool
	}
	got := make(chan delivery, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var n model.Notification
		_ = json.Unmarshal(body, &n)
		sig := r.Header.Get("X-Webhook-Signature")
		got <- delivery{
			n:         n,
			signature: sig,
			valid:     sig == notify.Sign("s3cret", r.Header.Get("X-Webhook-Timestamp"), body),
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	q := queue.NewInMemoryQueue(queue.WithLogger(logger.Discard()))
	cfg := &config.Config{WebhookURL: hook.URL, WebhookSecret: "s3cret", EventsQueue: "test"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, q, cfg, logger.Discard()) }()

	// run subscribes before blocking
	require.Eventually(t, func() bool {
		return q.Publish(queue.TopicCampaignCompleted, model.Notification{
			ID:    "n1",
			Topic: queue.TopicCampaignCompleted,
			Title: "Campaign completed",
			Level: model.LevelSuccess,
		}) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case d := <-got:
		assert.Equal(t, "n1", d.n.ID)
		assert.Equal(t, model.LevelSuccess, d.n.Level)
		assert.NotEmpty(t, d.signature)
		assert.True(t, d.valid)
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was not called")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerRequiresWebhook(t *testing.T) {
	q := queue.NewInMemoryQueue()
	err := run(context.Background(), q, &config.Config{}, logger.Discard())
	assert.Error(t, err)
}
