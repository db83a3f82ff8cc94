package federation

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store"
	"github.com/jellydator/ttlcache/v3"
)

// MaxClockSkew is how far a request Date may drift from local time before it
// is rejected outright.
const MaxClockSkew = 5 * time.Minute

// Verification failure classes. All of them fail closed: no business logic
// runs until VerifyRequest returns nil error.
var (
	ErrMissingSignature   = errors.New("missing signature header")
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrUnknownNode        = errors.New("unknown source node")
	ErrNodeNotActive      = errors.New("source node is not active")
	ErrClockSkew          = errors.New("request date outside allowed window")
	ErrDigestMismatch     = errors.New("digest does not match body")
	ErrSignatureMismatch  = errors.New("signature verification failed")
)

// Verifier authenticates inbound federation requests against the trust
// registry. Resolved public keys are cached briefly to keep per-request
// verification off the database for bulk deliveries.
type Verifier struct {
	nodes    store.TrustedNodeStore
	keyCache *ttlcache.Cache[string, *rsa.PublicKey]
	now      func() time.Time
}

// NewVerifier builds a verifier over the trust registry.
func NewVerifier(nodes store.TrustedNodeStore) *Verifier {
	cache := ttlcache.New[string, *rsa.PublicKey](
		ttlcache.WithTTL[string, *rsa.PublicKey](time.Minute),
	)
	go cache.Start()
	return &Verifier{nodes: nodes, keyCache: cache, now: time.Now}
}

// VerifyRequest checks the signature envelope on an inbound request and
// returns the authenticated source node name. The canonical string is rebuilt
// from the header values actually received, never from the sender's claims.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte) (string, error) {
	sigHeader := r.Header.Get("Signature")
	if sigHeader == "" {
		return "", ErrMissingSignature
	}
	params, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return "", err
	}
	if params.algorithm != signatureAlgorithm {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedSignature, params.algorithm)
	}

	if err := requireCoveredHeaders(params.headers, len(body) > 0); err != nil {
		return "", err
	}

	nodeName, err := nodeNameFromKeyID(params.keyID)
	if err != nil {
		return "", err
	}

	if err := v.checkDate(r.Header.Get("Date")); err != nil {
		return "", err
	}
	if digest := r.Header.Get("Digest"); digest != "" || len(body) > 0 {
		if digest != ContentDigest(body) {
			return nodeName, ErrDigestMismatch
		}
	}

	key, err := v.resolveKey(nodeName)
	if err != nil {
		return nodeName, err
	}

	sig, err := base64.StdEncoding.DecodeString(params.signature)
	if err != nil {
		return nodeName, fmt.Errorf("%w: bad signature encoding", ErrMalformedSignature)
	}
	signingString := buildSigningString(params.headers, r.Method, r.URL.Path, r.Host, r.Header)
	hashed := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig); err != nil {
		return nodeName, ErrSignatureMismatch
	}
	return nodeName, nil
}

func (v *Verifier) checkDate(date string) error {
	if date == "" {
		return fmt.Errorf("%w: missing date header", ErrMalformedSignature)
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("%w: bad date header", ErrMalformedSignature)
	}
	if drift := v.now().Sub(t); drift > MaxClockSkew || drift < -MaxClockSkew {
		return ErrClockSkew
	}
	return nil
}

func (v *Verifier) resolveKey(nodeName string) (*rsa.PublicKey, error) {
	if item := v.keyCache.Get(nodeName); item != nil {
		return item.Value(), nil
	}
	node, err := v.nodes.GetByName(nodeName)
	if err != nil {
		return nil, fmt.Errorf("looking up node %s: %w", nodeName, err)
	}
	if node == nil {
		return nil, ErrUnknownNode
	}
	if node.Status != models.NodeStatusActive || node.PublicKeyPEM == nil {
		return nil, ErrNodeNotActive
	}
	key, err := ParsePublicKey(*node.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("stored key for %s: %w", nodeName, err)
	}
	v.keyCache.Set(nodeName, key, ttlcache.DefaultTTL)
	return key, nil
}

// Invalidate drops a node's cached key, e.g. after a handshake refreshes it.
func (v *Verifier) Invalidate(nodeName string) {
	v.keyCache.Delete(nodeName)
}

type signatureParams struct {
	keyID     string
	algorithm string
	headers   []string
	signature string
}

// parseSignatureHeader splits the comma-separated key="value" pairs of a
// Signature header.
func parseSignatureHeader(header string) (*signatureParams, error) {
	params := &signatureParams{}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, ErrMalformedSignature
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "keyId":
			params.keyID = value
		case "algorithm":
			params.algorithm = value
		case "headers":
			params.headers = strings.Fields(value)
		case "signature":
			params.signature = value
		}
	}
	if params.keyID == "" || params.signature == "" || len(params.headers) == 0 {
		return nil, ErrMalformedSignature
	}
	return params, nil
}

// requireCoveredHeaders rejects signatures that leave the request target,
// host, date, or (when a body is present) digest outside the signed set.
func requireCoveredHeaders(headers []string, hasBody bool) error {
	required := []string{"(request-target)", "host", "date"}
	if hasBody {
		required = append(required, "digest")
	}
	covered := make(map[string]bool, len(headers))
	for _, h := range headers {
		covered[strings.ToLower(h)] = true
	}
	for _, req := range required {
		if !covered[req] {
			return fmt.Errorf("%w: header %s not covered", ErrMalformedSignature, req)
		}
	}
	return nil
}

// nodeNameFromKeyID extracts the node name from a key identifier of the form
// https://<nodeName>/identity#main-key.
func nodeNameFromKeyID(keyID string) (string, error) {
	u, err := url.Parse(keyID)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: bad keyId %q", ErrMalformedSignature, keyID)
	}
	return u.Host, nil
}
