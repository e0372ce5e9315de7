package cryptoutils

import (
	"golang.org/x/crypto/argon2"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// DeriveSealingKey creates the deterministic key a node seals its local
// records with, using Argon2id over the node's identity secret.
// The same node always derives the same key, so sealed records survive restarts.
func DeriveSealingKey(node interfaces.NodeID, secret []byte) []byte {
	salt := append([]byte("CUSTODY-SEALING-KEY-"), string(node)...)

	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
}
