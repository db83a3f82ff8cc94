package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store"
)

var (
	// ErrNodeExists is returned when registering a node name already present.
	ErrNodeExists = errors.New("node already registered")
	// ErrNodeNotFound is returned for operations on an unregistered node.
	ErrNodeNotFound = errors.New("node not registered")
	// ErrNameMismatch is returned when a handshake peer identifies itself
	// with a different name than the one it was registered under.
	ErrNameMismatch = errors.New("remote identity does not match registered node name")
)

// Registry manages the set of trusted remote nodes. Handshakes are
// administrator-triggered and synchronous; they are never retried
// automatically.
type Registry struct {
	nodes  store.TrustedNodeStore
	client *http.Client
	// suspendAfter is the consecutive-failure threshold past which a node is
	// automatically moved to suspended. Zero disables the policy.
	suspendAfter int
	onKeyChange  func(nodeName string)
}

// NewRegistry builds a trust registry. handshakeTimeout bounds the identity
// fetch; onKeyChange (optional) is invoked when a node's stored key changes.
func NewRegistry(nodes store.TrustedNodeStore, handshakeTimeout time.Duration, suspendAfter int, onKeyChange func(string)) *Registry {
	return &Registry{
		nodes:        nodes,
		client:       &http.Client{Timeout: handshakeTimeout},
		suspendAfter: suspendAfter,
		onKeyChange:  onKeyChange,
	}
}

// AddNode registers a remote node as pending with no usable key.
func (reg *Registry) AddNode(nodeName, baseURL, addedBy string) (*models.TrustedNode, error) {
	existing, err := reg.nodes.GetByName(nodeName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrNodeExists
	}

	now := time.Now()
	node := &models.TrustedNode{
		NodeName:  nodeName,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Status:    models.NodeStatusPending,
		AddedBy:   addedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := reg.nodes.Add(node); err != nil {
		return nil, err
	}
	return node, nil
}

// identityResponse is the body of a peer's GET /federation/identity.
type identityResponse struct {
	NodeName  string    `json:"nodeName"`
	PublicKey string    `json:"publicKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// Handshake fetches the remote node's public identity, verifies the returned
// name matches the registered one, stores the key, and activates the node. On
// failure the status is left unchanged, the failure counter is bumped, and
// the error is surfaced to the caller.
func (reg *Registry) Handshake(ctx context.Context, nodeName string) error {
	node, err := reg.nodes.GetByName(nodeName)
	if err != nil {
		return err
	}
	if node == nil {
		return ErrNodeNotFound
	}

	ident, err := reg.fetchIdentity(ctx, node.BaseURL)
	if err != nil {
		reg.recordFailure(nodeName)
		return fmt.Errorf("handshake with %s: %w", nodeName, err)
	}
	if ident.NodeName != node.NodeName {
		reg.recordFailure(nodeName)
		return fmt.Errorf("%w: got %q, want %q", ErrNameMismatch, ident.NodeName, node.NodeName)
	}
	if _, err := ParsePublicKey(ident.PublicKey); err != nil {
		reg.recordFailure(nodeName)
		return fmt.Errorf("handshake with %s: %w", nodeName, err)
	}

	if err := reg.nodes.SetKey(nodeName, ident.PublicKey); err != nil {
		reg.recordFailure(nodeName)
		return fmt.Errorf("storing key for %s: %w", nodeName, err)
	}
	if reg.onKeyChange != nil {
		reg.onKeyChange(nodeName)
	}
	slog.Info("handshake completed", "node", nodeName)
	return nil
}

func (reg *Registry) fetchIdentity(ctx context.Context, baseURL string) (*identityResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/federation/identity", nil)
	if err != nil {
		return nil, err
	}
	resp, err := reg.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity fetch returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	var ident identityResponse
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	if ident.NodeName == "" || ident.PublicKey == "" {
		return nil, errors.New("identity response missing fields")
	}
	return &ident, nil
}

// RecordContact updates a node's health bookkeeping after an exchange. A
// success resets the failure counter; a failure increments it and, past the
// configured threshold, suspends the node.
func (reg *Registry) RecordContact(nodeName string, success bool) {
	count, err := reg.nodes.RecordContact(nodeName, success)
	if err != nil {
		slog.Error("recording node contact", "node", nodeName, "error", err)
		return
	}
	if !success && reg.suspendAfter > 0 && count >= reg.suspendAfter {
		if err := reg.nodes.SetStatus(nodeName, models.NodeStatusSuspended); err != nil {
			slog.Error("suspending node", "node", nodeName, "error", err)
			return
		}
		slog.Warn("node auto-suspended after consecutive failures", "node", nodeName, "failures", count)
	}
}

func (reg *Registry) recordFailure(nodeName string) {
	reg.RecordContact(nodeName, false)
}
