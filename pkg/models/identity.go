package models

import "time"

// NodeIdentity is the singleton keypair and name identifying this instance to
// its peers. The private key never leaves the process; rotating it invalidates
// outbound signing immediately and existing trust must be re-established.
type NodeIdentity struct {
	// NodeName is the globally unique name of this instance, typically its hostname.
	NodeName string `db:"node_name"`
	// PublicKeyPEM is the PKIX public key, PEM encoded, as served to peers.
	PublicKeyPEM string `db:"public_key"`
	// PrivateKeyPEM is the PKCS#8 private key, PEM encoded.
	PrivateKeyPEM string    `db:"private_key"`
	CreatedAt     time.Time `db:"created"`
	UpdatedAt     time.Time `db:"updated"`
}
