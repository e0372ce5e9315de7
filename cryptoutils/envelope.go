package cryptoutils

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// NodeIDFromKey returns the node ID owned by a secp256k1 identity key: the
// checksummed address of its ledger account.
func NodeIDFromKey(key *ecdsa.PrivateKey) interfaces.NodeID {
	return interfaces.NodeID(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func envelopeDigest(env *interfaces.Envelope) ([]byte, error) {
	unsigned := *env
	unsigned.Signature = nil
	data, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return crypto.Keccak256(data), nil
}

// SignEnvelope signs env with the sender's identity key and stores the
// recoverable signature in env.Signature.
func SignEnvelope(key *ecdsa.PrivateKey, env *interfaces.Envelope) error {
	digest, err := envelopeDigest(env)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("failed to sign envelope: %w", err)
	}
	env.Signature = sig
	return nil
}

// VerifyEnvelope checks that env was signed by the account named in env.From.
func VerifyEnvelope(env *interfaces.Envelope) error {
	if len(env.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: missing or malformed signature", interfaces.ErrUnauthorizedPeer)
	}
	if !common.IsHexAddress(string(env.From)) {
		return fmt.Errorf("%w: sender %q is not an account address", interfaces.ErrUnauthorizedPeer, env.From)
	}

	digest, err := envelopeDigest(env)
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(digest, env.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrUnauthorizedPeer, err)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(string(env.From)) {
		return fmt.Errorf("%w: signature does not match sender %s", interfaces.ErrUnauthorizedPeer, env.From)
	}
	return nil
}
