package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quantfold/tradeagent/internal/observ"
)

// Message is one outbound report.
type Message struct {
	Title      string            `json:"title"`
	Text       string            `json:"text"`
	Severity   string            `json:"severity"` // "info" | "warning" | "critical"
	Instrument string            `json:"instrument,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Notifier is the fire-and-forget notification sink. Failures are logged,
// never escalated into the trading path.
type Notifier interface {
	Send(msg Message)
	Stop()
}

// WebhookNotifier posts messages to a webhook through a bounded queue with
// short-window dedupe. A full queue drops the message rather than blocking
// a cycle.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
	queue      chan Message
	cancel     context.CancelFunc
	recent     map[string]time.Time
}

func NewWebhookNotifier(url string, queueSize, timeoutMs int) *WebhookNotifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		queue:      make(chan Message, queueSize),
		cancel:     cancel,
		recent:     make(map[string]time.Time),
	}
	go n.worker(ctx)
	return n
}

func (n *WebhookNotifier) Send(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case n.queue <- msg:
	default:
		log := observ.Logger("notify")
		log.Warn().Str("title", msg.Title).Msg("notification queue full, dropping")
	}
}

func (n *WebhookNotifier) Stop() {
	n.cancel()
}

func (n *WebhookNotifier) worker(ctx context.Context) {
	log := observ.Logger("notify")
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			key := dedupeKey(msg)
			if last, ok := n.recent[key]; ok && time.Since(last) < 60*time.Second {
				continue
			}
			n.recent[key] = time.Now()

			if err := n.post(ctx, msg); err != nil {
				log.Warn().Err(err).Str("title", msg.Title).Msg("webhook delivery failed")
			}
		}
	}
}

func (n *WebhookNotifier) post(ctx context.Context, msg Message) error {
	if n.url == "" {
		return nil // notifier unconfigured, drop silently
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func dedupeKey(msg Message) string {
	h := sha256.Sum256([]byte(msg.Title + "|" + msg.Instrument + "|" + msg.Severity))
	return hex.EncodeToString(h[:8])
}

// NopNotifier discards everything, for tests and dry runs.
type NopNotifier struct{}

func (NopNotifier) Send(msg Message) {}
func (NopNotifier) Stop()            {}
