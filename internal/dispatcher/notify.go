package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/txbus/internal/model"
)

// NotifyHandler posts every envelope to a webhook (customer notification service).
//
// 2xx acks, 4xx other than 408/429 is a permanent failure, everything else is
// retried. Consecutive failures open the breaker and further events are
// retried without calling the endpoint.
type NotifyHandler struct {
	url    string
	client *http.Client
	br     *MicroBreaker

	// Retry is the delay after a transient failure.
	Retry time.Duration
}

func NewNotifyHandler(url string, timeoutMs, failThreshold, openForMs int) *NotifyHandler {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	if openForMs <= 0 {
		openForMs = 15000
	}

	return &NotifyHandler{
		url:    url,
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:     NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
		Retry:  2 * time.Second,
	}
}

func (h *NotifyHandler) Name() string { return "notify" }

func (h *NotifyHandler) Handle(ctx context.Context, env model.EventEnvelope) Result {
	if !h.br.TryAcquire() {
		return RetryAfter(max(h.br.RetryIn(), h.Retry))
	}

	status, err := h.post(ctx, env)
	switch {
	case err != nil:
		h.br.OnFailure()
		return RetryAfter(h.Retry)
	case status/100 == 2:
		h.br.OnSuccess()
		return Ack()
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		h.br.OnFailure()
		return RetryAfter(h.Retry)
	case status/100 == 4:
		// the endpoint is healthy, it just refuses this event
		h.br.OnSuccess()
		return PermanentFailure(fmt.Sprintf("webhook rejected event: status %d", status))
	default:
		h.br.OnFailure()
		return RetryAfter(h.Retry)
	}
}

func (h *NotifyHandler) post(ctx context.Context, env model.EventEnvelope) (int, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.EventID)
	req.Header.Set("X-Event-Type", env.EventType)

	res, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	return res.StatusCode, nil
}
