package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store/storetest"
)

func identityServer(t *testing.T, nodeName, publicKeyPEM string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/federation/identity" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"nodeName":  nodeName,
			"publicKey": publicKeyPEM,
			"createdAt": time.Now(),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAddNodeStartsPending(t *testing.T) {
	nodes := storetest.NewTrustedNodeStore()
	reg := NewRegistry(nodes, time.Second, 0, nil)

	node, err := reg.AddNode("node-b.example", "https://node-b.example/", "admin")
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if node.Status != models.NodeStatusPending {
		t.Errorf("status = %q, want pending", node.Status)
	}
	if node.BaseURL != "https://node-b.example" {
		t.Errorf("base url = %q, want trailing slash trimmed", node.BaseURL)
	}

	if _, err := reg.AddNode("node-b.example", "https://node-b.example", "admin"); !errors.Is(err, ErrNodeExists) {
		t.Errorf("second AddNode error = %v, want %v", err, ErrNodeExists)
	}
}

func TestHandshakeActivatesNode(t *testing.T) {
	_, pubPEM := generateTestKey(t)
	srv := identityServer(t, "node-b.example", pubPEM)

	nodes := storetest.NewTrustedNodeStore()
	reg := NewRegistry(nodes, time.Second, 0, nil)
	if _, err := reg.AddNode("node-b.example", srv.URL, "admin"); err != nil {
		t.Fatal(err)
	}

	if err := reg.Handshake(context.Background(), "node-b.example"); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}

	node, _ := nodes.GetByName("node-b.example")
	if node.Status != models.NodeStatusActive {
		t.Errorf("status = %q, want active", node.Status)
	}
	if node.PublicKeyPEM == nil || *node.PublicKeyPEM != pubPEM {
		t.Error("public key not stored")
	}
	if node.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", node.FailureCount)
	}
	if node.LastContactAt == nil {
		t.Error("last contact not stamped")
	}
}

func TestHandshakeNameMismatch(t *testing.T) {
	_, pubPEM := generateTestKey(t)
	srv := identityServer(t, "impostor.example", pubPEM)

	nodes := storetest.NewTrustedNodeStore()
	reg := NewRegistry(nodes, time.Second, 0, nil)
	if _, err := reg.AddNode("node-b.example", srv.URL, "admin"); err != nil {
		t.Fatal(err)
	}

	err := reg.Handshake(context.Background(), "node-b.example")
	if !errors.Is(err, ErrNameMismatch) {
		t.Fatalf("Handshake error = %v, want %v", err, ErrNameMismatch)
	}

	node, _ := nodes.GetByName("node-b.example")
	if node.Status != models.NodeStatusPending {
		t.Errorf("status = %q, want unchanged pending", node.Status)
	}
	if node.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", node.FailureCount)
	}
}

func TestHandshakeUnreachable(t *testing.T) {
	nodes := storetest.NewTrustedNodeStore()
	reg := NewRegistry(nodes, 200*time.Millisecond, 0, nil)
	if _, err := reg.AddNode("node-b.example", "http://127.0.0.1:1", "admin"); err != nil {
		t.Fatal(err)
	}

	if err := reg.Handshake(context.Background(), "node-b.example"); err == nil {
		t.Fatal("Handshake succeeded against unreachable peer")
	}
	node, _ := nodes.GetByName("node-b.example")
	if node.Status != models.NodeStatusPending {
		t.Errorf("status = %q, want pending", node.Status)
	}
	if node.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", node.FailureCount)
	}
}

// brokenKeyStore rejects key writes to simulate a store outage mid-handshake.
type brokenKeyStore struct {
	*storetest.TrustedNodeStore
}

func (s *brokenKeyStore) SetKey(nodeName, publicKeyPEM string) error {
	return errors.New("store unavailable")
}

func TestHandshakeKeyStoreFailureCounts(t *testing.T) {
	_, pubPEM := generateTestKey(t)
	srv := identityServer(t, "node-b.example", pubPEM)

	nodes := &brokenKeyStore{TrustedNodeStore: storetest.NewTrustedNodeStore()}
	reg := NewRegistry(nodes, time.Second, 0, nil)
	if _, err := reg.AddNode("node-b.example", srv.URL, "admin"); err != nil {
		t.Fatal(err)
	}

	if err := reg.Handshake(context.Background(), "node-b.example"); err == nil {
		t.Fatal("Handshake succeeded despite key store failure")
	}
	node, _ := nodes.GetByName("node-b.example")
	if node.Status != models.NodeStatusPending {
		t.Errorf("status = %q, want pending", node.Status)
	}
	if node.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1 like every other handshake failure", node.FailureCount)
	}
}

func TestHandshakeUnregisteredNode(t *testing.T) {
	reg := NewRegistry(storetest.NewTrustedNodeStore(), time.Second, 0, nil)
	if err := reg.Handshake(context.Background(), "nowhere.example"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Handshake error = %v, want %v", err, ErrNodeNotFound)
	}
}

func TestAutoSuspendAfterConsecutiveFailures(t *testing.T) {
	_, pubPEM := generateTestKey(t)
	nodes := storetest.NewTrustedNodeStore()
	seedActiveNode(t, nodes, "node-b.example", "https://node-b.example", pubPEM)
	reg := NewRegistry(nodes, time.Second, 3, nil)

	reg.RecordContact("node-b.example", false)
	reg.RecordContact("node-b.example", false)
	node, _ := nodes.GetByName("node-b.example")
	if node.Status != models.NodeStatusActive {
		t.Fatalf("status = %q before threshold, want active", node.Status)
	}

	reg.RecordContact("node-b.example", false)
	node, _ = nodes.GetByName("node-b.example")
	if node.Status != models.NodeStatusSuspended {
		t.Errorf("status = %q after threshold, want suspended", node.Status)
	}
	if node.FailureCount != 3 {
		t.Errorf("failure count = %d, want 3", node.FailureCount)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	_, pubPEM := generateTestKey(t)
	nodes := storetest.NewTrustedNodeStore()
	seedActiveNode(t, nodes, "node-b.example", "https://node-b.example", pubPEM)
	reg := NewRegistry(nodes, time.Second, 5, nil)

	reg.RecordContact("node-b.example", false)
	reg.RecordContact("node-b.example", false)
	reg.RecordContact("node-b.example", true)

	node, _ := nodes.GetByName("node-b.example")
	if node.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0 after success", node.FailureCount)
	}
	if node.LastContactAt == nil {
		t.Error("last contact not stamped on success")
	}
}
