package federation

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store/storetest"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encoding public key: %v", err)
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return key, pemStr
}

func seedActiveNode(t *testing.T, nodes *storetest.TrustedNodeStore, name, baseURL, publicKeyPEM string) {
	t.Helper()
	now := time.Now()
	err := nodes.Add(&models.TrustedNode{
		NodeName:  name,
		BaseURL:   baseURL,
		Status:    models.NodeStatusPending,
		AddedBy:   "test",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("adding node: %v", err)
	}
	if publicKeyPEM != "" {
		if err := nodes.SetKey(name, publicKeyPEM); err != nil {
			t.Fatalf("activating node: %v", err)
		}
	}
}

// signedInboxRequest signs a request as node-a and rebuilds it the way the
// receiving server would see it.
func signedInboxRequest(t *testing.T, signer *Signer, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://node-b.example/federation/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if err := signer.SignRequest(req, body); err != nil {
		t.Fatalf("signing request: %v", err)
	}

	received := httptest.NewRequest(http.MethodPost, "https://node-b.example/federation/inbox", bytes.NewReader(body))
	received.Header = req.Header.Clone()
	received.Host = "node-b.example"
	return received
}

func TestSignAndVerify(t *testing.T) {
	key, pubPEM := generateTestKey(t)
	signer := NewSigner("node-a.example", key)
	nodes := storetest.NewTrustedNodeStore()
	seedActiveNode(t, nodes, "node-a.example", "https://node-a.example", pubPEM)
	verifier := NewVerifier(nodes)

	body := []byte(`{"id":"msg-1","type":"ping","payload":{}}`)
	req := signedInboxRequest(t, signer, body)

	source, err := verifier.VerifyRequest(req, body)
	if err != nil {
		t.Fatalf("VerifyRequest failed: %v", err)
	}
	if source != "node-a.example" {
		t.Errorf("source = %q, want node-a.example", source)
	}
}

func TestSignatureHeaderFormat(t *testing.T) {
	key, _ := generateTestKey(t)
	signer := NewSigner("node-a.example", key)

	t.Run("with body", func(t *testing.T) {
		body := []byte(`{"id":"x"}`)
		req, _ := http.NewRequest(http.MethodPost, "https://node-b.example/federation/inbox", bytes.NewReader(body))
		if err := signer.SignRequest(req, body); err != nil {
			t.Fatalf("signing: %v", err)
		}
		sig := req.Header.Get("Signature")
		wantPrefix := `keyId="https://node-a.example/identity#main-key", algorithm="rsa-sha256", headers="(request-target) host date digest", signature="`
		if !strings.HasPrefix(sig, wantPrefix) {
			t.Errorf("Signature header = %q, want prefix %q", sig, wantPrefix)
		}
		if req.Header.Get("Digest") == "" {
			t.Error("Digest header missing for request with body")
		}
	})

	t.Run("without body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "https://node-b.example/federation/users/ada", nil)
		if err := signer.SignRequest(req, nil); err != nil {
			t.Fatalf("signing: %v", err)
		}
		sig := req.Header.Get("Signature")
		if !strings.Contains(sig, `headers="(request-target) host date"`) {
			t.Errorf("Signature header = %q, want headers list without digest", sig)
		}
		if req.Header.Get("Digest") != "" {
			t.Error("Digest header present for bodyless request")
		}
	})
}

func TestVerifyRejections(t *testing.T) {
	keyA, pubA := generateTestKey(t)
	_, pubOther := generateTestKey(t)
	signer := NewSigner("node-a.example", keyA)
	body := []byte(`{"id":"msg-1","type":"ping","payload":{}}`)

	tests := []struct {
		name    string
		mutate  func(t *testing.T, req *http.Request, nodes *storetest.TrustedNodeStore, v *Verifier)
		keyPEM  string
		wantErr error
	}{
		{
			name:    "missing signature",
			keyPEM:  pubA,
			wantErr: ErrMissingSignature,
			mutate: func(t *testing.T, req *http.Request, nodes *storetest.TrustedNodeStore, v *Verifier) {
				req.Header.Del("Signature")
			},
		},
		{
			name:    "wrong key registered",
			keyPEM:  pubOther,
			wantErr: ErrSignatureMismatch,
			mutate:  func(t *testing.T, req *http.Request, nodes *storetest.TrustedNodeStore, v *Verifier) {},
		},
		{
			name:    "covered header altered after signing",
			keyPEM:  pubA,
			wantErr: ErrSignatureMismatch,
			mutate: func(t *testing.T, req *http.Request, nodes *storetest.TrustedNodeStore, v *Verifier) {
				req.Header.Set("Date", time.Now().UTC().Add(30*time.Second).Format(http.TimeFormat))
			},
		},
		{
			name:    "body does not match digest",
			keyPEM:  pubA,
			wantErr: ErrDigestMismatch,
			mutate: func(t *testing.T, req *http.Request, nodes *storetest.TrustedNodeStore, v *Verifier) {
				req.Header.Set("Digest", ContentDigest([]byte("tampered")))
			},
		},
		{
			name:    "unknown node",
			keyPEM:  pubA,
			wantErr: ErrUnknownNode,
			mutate: func(t *testing.T, req *http.Request, nodes *storetest.TrustedNodeStore, v *Verifier) {
				if err := nodes.Delete("node-a.example"); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name:    "suspended node",
			keyPEM:  pubA,
			wantErr: ErrNodeNotActive,
			mutate: func(t *testing.T, req *http.Request, nodes *storetest.TrustedNodeStore, v *Verifier) {
				if err := nodes.SetStatus("node-a.example", models.NodeStatusSuspended); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name:    "clock skew",
			keyPEM:  pubA,
			wantErr: ErrClockSkew,
			mutate: func(t *testing.T, req *http.Request, nodes *storetest.TrustedNodeStore, v *Verifier) {
				v.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := storetest.NewTrustedNodeStore()
			seedActiveNode(t, nodes, "node-a.example", "https://node-a.example", tt.keyPEM)
			verifier := NewVerifier(nodes)

			req := signedInboxRequest(t, signer, body)
			tt.mutate(t, req, nodes, verifier)

			_, err := verifier.VerifyRequest(req, body)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyRequest error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyRequiresCoveredHeaders(t *testing.T) {
	key, pubPEM := generateTestKey(t)
	nodes := storetest.NewTrustedNodeStore()
	seedActiveNode(t, nodes, "node-a.example", "https://node-a.example", pubPEM)
	verifier := NewVerifier(nodes)
	signer := NewSigner("node-a.example", key)

	body := []byte(`{"id":"msg-1"}`)
	req := signedInboxRequest(t, signer, body)
	// Re-issue the signature claiming a reduced header list.
	sig := req.Header.Get("Signature")
	req.Header.Set("Signature", strings.Replace(sig, `headers="(request-target) host date digest"`, `headers="(request-target) host"`, 1))

	if _, err := verifier.VerifyRequest(req, body); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("VerifyRequest error = %v, want %v", err, ErrMalformedSignature)
	}
}
