package federation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store"
)

// EnsureIdentity loads the node identity, generating and persisting one on
// first boot. A stored identity with a different node name is an operator
// error, not something to silently rewrite.
func EnsureIdentity(identities store.IdentityStore, nodeName string) (*models.NodeIdentity, error) {
	ident, err := identities.Get()
	if err != nil {
		return nil, fmt.Errorf("loading node identity: %w", err)
	}
	if ident != nil {
		if ident.NodeName != nodeName {
			return nil, fmt.Errorf("stored identity is for %q, configured node name is %q", ident.NodeName, nodeName)
		}
		return ident, nil
	}

	ident, err = GenerateIdentity(nodeName)
	if err != nil {
		return nil, err
	}
	if err := identities.Save(ident); err != nil {
		return nil, fmt.Errorf("persisting node identity: %w", err)
	}
	slog.Info("generated node identity", "node", nodeName)
	return ident, nil
}

// RotateIdentity replaces the keypair. Outbound signing switches immediately;
// peers reject our traffic until they re-handshake against the new key.
func RotateIdentity(identities store.IdentityStore, nodeName string) (*models.NodeIdentity, error) {
	current, err := identities.Get()
	if err != nil {
		return nil, fmt.Errorf("loading node identity: %w", err)
	}
	ident, err := GenerateIdentity(nodeName)
	if err != nil {
		return nil, err
	}
	if current != nil {
		ident.CreatedAt = current.CreatedAt
	}
	ident.UpdatedAt = time.Now()
	if err := identities.Save(ident); err != nil {
		return nil, fmt.Errorf("persisting rotated identity: %w", err)
	}
	slog.Warn("node identity rotated; peers must re-handshake", "node", nodeName)
	return ident, nil
}
