package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store"
	"github.com/google/uuid"
)

// Delivery pipeline defaults.
const (
	DefaultMaxAttempts     = 5
	DefaultDeliveryTimeout = 15 * time.Second
	DefaultProcessInterval = time.Minute
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultBatchSize       = 50
)

// DeliveryResult reports how an immediate send attempt ended. Failures are
// data, not control transfers: the caller's local action always succeeds.
type DeliveryResult struct {
	// Delivered is true when the peer acknowledged with a 2xx.
	Delivered bool
	// Queued is true when the message was persisted for retry instead.
	Queued bool
	// Err holds the transport error behind a queued result.
	Err error
}

// Deliverer signs and delivers federation envelopes, falling back to the
// durable retry queue on any transport failure.
type Deliverer struct {
	signer   *Signer
	nodes    store.TrustedNodeStore
	queue    store.OutboundMessageStore
	registry *Registry
	client   *http.Client

	maxAttempts int
	now         func() time.Time
}

// NewDeliverer builds the outbound pipeline.
func NewDeliverer(signer *Signer, nodes store.TrustedNodeStore, queue store.OutboundMessageStore, registry *Registry, timeout time.Duration, maxAttempts int) *Deliverer {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Deliverer{
		signer:      signer,
		nodes:       nodes,
		queue:       queue,
		registry:    registry,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// NewEnvelope wraps a payload for the wire, minting the message id that peers
// will deduplicate on.
func NewEnvelope(messageType string, payload any) (*models.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", messageType, err)
	}
	return &models.Envelope{
		ID:      uuid.NewString(),
		Type:    messageType,
		Payload: raw,
	}, nil
}

// SendOrQueue attempts an immediate signed delivery to the target node's
// inbox and persists the message for retry on any failure. Transport errors
// are never surfaced to the action that produced the event.
func (d *Deliverer) SendOrQueue(ctx context.Context, targetNode string, env *models.Envelope) DeliveryResult {
	err := d.send(ctx, targetNode, env)
	if err == nil {
		d.registry.RecordContact(targetNode, true)
		return DeliveryResult{Delivered: true}
	}
	d.registry.RecordContact(targetNode, false)

	body, mErr := json.Marshal(env)
	if mErr != nil {
		slog.Error("encoding outbound envelope", "type", env.Type, "error", mErr)
		return DeliveryResult{Err: mErr}
	}
	errText := err.Error()
	msg := &models.OutboundMessage{
		ID:          env.ID,
		TargetNode:  targetNode,
		MessageType: env.Type,
		Payload:     body,
		Status:      models.OutboundStatusPending,
		Attempts:    0,
		MaxAttempts: d.maxAttempts,
		NextRetryAt: d.now(),
		LastError:   &errText,
		CreatedAt:   d.now(),
	}
	if qErr := d.queue.Enqueue(msg); qErr != nil {
		slog.Error("enqueueing outbound message", "target", targetNode, "type", env.Type, "error", qErr)
		return DeliveryResult{Err: qErr}
	}
	slog.Info("delivery queued for retry", "target", targetNode, "type", env.Type, "id", env.ID, "error", errText)
	return DeliveryResult{Queued: true, Err: err}
}

// send performs one signed POST to the target's inbox. Any non-2xx response
// is a transport failure.
func (d *Deliverer) send(ctx context.Context, targetNode string, env *models.Envelope) error {
	node, err := d.nodes.GetByName(targetNode)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, targetNode)
	}
	if !node.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrNodeNotActive, targetNode, node.Status)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.BaseURL+"/federation/inbox", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := d.signer.SignRequest(req, body); err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("inbox returned %s", resp.Status)
	}
	return nil
}

// QueueProcessor drains the outbound retry queue on a fixed interval,
// independent of any request path. Exactly one instance runs per process.
type QueueProcessor struct {
	deliverer *Deliverer
	queue     store.OutboundMessageStore
	inboxLog  store.InboxLogStore

	interval  time.Duration
	batchSize int
	retention time.Duration
	now       func() time.Time
}

// NewQueueProcessor builds the periodic drain task.
func NewQueueProcessor(deliverer *Deliverer, queue store.OutboundMessageStore, inboxLog store.InboxLogStore, interval, retention time.Duration) *QueueProcessor {
	if interval <= 0 {
		interval = DefaultProcessInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &QueueProcessor{
		deliverer: deliverer,
		queue:     queue,
		inboxLog:  inboxLog,
		interval:  interval,
		batchSize: DefaultBatchSize,
		retention: retention,
		now:       time.Now,
	}
}

// Run processes the queue until the context is cancelled.
func (p *QueueProcessor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ProcessDue(ctx); err != nil {
				slog.Error("processing outbound queue", "error", err)
			}
			p.sweepRetention()
		}
	}
}

// ProcessDue retries a bounded, oldest-first batch of due messages. Messages
// for the same target are retried in creation order so edits and deletes
// trail the create they refer to.
func (p *QueueProcessor) ProcessDue(ctx context.Context) error {
	due, err := p.queue.GetDue(p.now(), p.batchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	byTarget := make(map[string][]*models.OutboundMessage)
	for _, msg := range due {
		byTarget[msg.TargetNode] = append(byTarget[msg.TargetNode], msg)
	}
	targets := make([]string, 0, len(byTarget))
	for target := range byTarget {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		for _, msg := range byTarget[target] {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.processOne(ctx, msg)
		}
	}
	return nil
}

func (p *QueueProcessor) processOne(ctx context.Context, msg *models.OutboundMessage) {
	node, err := p.deliverer.nodes.GetByName(msg.TargetNode)
	if err != nil {
		slog.Error("resolving queue target", "target", msg.TargetNode, "error", err)
		return
	}
	// No route: a missing or inactive target is a permanent routing failure.
	if node == nil || !node.IsActive() {
		if err := p.queue.MarkFailed(msg.ID, "target node missing or inactive"); err != nil {
			slog.Error("failing unroutable message", "id", msg.ID, "error", err)
		}
		slog.Warn("outbound message failed permanently", "id", msg.ID, "target", msg.TargetNode, "reason", "no route")
		return
	}

	var env models.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		if mErr := p.queue.MarkFailed(msg.ID, "undecodable payload: "+err.Error()); mErr != nil {
			slog.Error("failing undecodable message", "id", msg.ID, "error", mErr)
		}
		return
	}

	err = p.deliverer.send(ctx, msg.TargetNode, &env)
	if err == nil {
		p.deliverer.registry.RecordContact(msg.TargetNode, true)
		if err := p.queue.MarkDelivered(msg.ID, p.now()); err != nil {
			slog.Error("marking message delivered", "id", msg.ID, "error", err)
		}
		slog.Info("queued message delivered", "id", msg.ID, "target", msg.TargetNode, "attempt", msg.Attempts+1)
		return
	}

	p.deliverer.registry.RecordContact(msg.TargetNode, false)
	attempts := msg.Attempts + 1
	if attempts >= msg.MaxAttempts {
		if mErr := p.queue.MarkFailed(msg.ID, err.Error()); mErr != nil {
			slog.Error("failing exhausted message", "id", msg.ID, "error", mErr)
		}
		slog.Warn("outbound message failed permanently", "id", msg.ID, "target", msg.TargetNode, "attempts", attempts)
		return
	}
	next := p.now().Add(retryDelay(attempts))
	if rErr := p.queue.RecordAttempt(msg.ID, next, err.Error()); rErr != nil {
		slog.Error("recording delivery attempt", "id", msg.ID, "error", rErr)
		return
	}
	slog.Info("delivery attempt failed", "id", msg.ID, "target", msg.TargetNode, "attempt", attempts, "next_retry", next, "error", err)
}

// retryDelay backs off exponentially: 5^attempts minutes.
func retryDelay(attempts int) time.Duration {
	return time.Duration(math.Pow(5, float64(attempts))) * time.Minute
}

func (p *QueueProcessor) sweepRetention() {
	cutoff := p.now().Add(-p.retention)
	if n, err := p.queue.PurgeTerminal(cutoff); err != nil {
		slog.Error("purging outbound queue", "error", err)
	} else if n > 0 {
		slog.Debug("purged terminal outbound messages", "count", n)
	}
	if p.inboxLog == nil {
		return
	}
	if n, err := p.inboxLog.Purge(cutoff); err != nil {
		slog.Error("purging inbox log", "error", err)
	} else if n > 0 {
		slog.Debug("purged inbox log entries", "count", n)
	}
}
