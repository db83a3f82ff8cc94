package models

import "time"

// Trusted node statuses. Only active nodes may send or receive federated
// traffic; pending nodes have no usable key until a handshake completes.
const (
	NodeStatusPending   = "pending"
	NodeStatusActive    = "active"
	NodeStatusSuspended = "suspended"
	NodeStatusBlocked   = "blocked"
)

// TrustedNode is a known remote instance and its verification key.
type TrustedNode struct {
	ID       int    `db:"id"`
	NodeName string `db:"node_name"`
	// BaseURL is the https root used for handshakes and inbox delivery.
	BaseURL      string  `db:"base_url"`
	PublicKeyPEM *string `db:"public_key"`
	Status       string  `db:"status"`
	// LastContactAt is stamped on every successful exchange with the node.
	LastContactAt *time.Time `db:"last_contact"`
	// FailureCount counts consecutive failed deliveries/handshakes; a success
	// resets it. Crossing the auto-suspend threshold moves the node to suspended.
	FailureCount int       `db:"failure_count"`
	AddedBy      string    `db:"added_by"`
	CreatedAt    time.Time `db:"created"`
	UpdatedAt    time.Time `db:"updated"`
}

// IsActive reports whether the node may exchange federated traffic.
func (n *TrustedNode) IsActive() bool {
	return n.Status == NodeStatusActive
}
