package interfaces

import (
	"context"
)

// Ledger is the distributed registry tracking group membership, epochs and
// share commitments. It is consumed by the coordination loop.
type Ledger interface {
	// GetMembers returns the group's members ordered by slot.
	GetMembers(ctx context.Context) ([]NodeID, error)

	// GetEpoch returns the group's current share epoch.
	GetEpoch(ctx context.Context) (Epoch, error)

	// GetGroups returns every registered group with its active member count.
	GetGroups(ctx context.Context) ([]Group, error)

	// OnMembershipChanged registers a callback for membership changes of the group.
	OnMembershipChanged(cb func(MembershipChange))

	// OnSigningRequested registers a callback for signing requests addressed to the group.
	OnSigningRequested(cb func(SigningRequest))

	// PublishShareCommitment publishes the hash of the node's shares for an epoch.
	PublishShareCommitment(ctx context.Context, hash [32]byte, epoch Epoch) error

	// CommitmentStatus reports whether every member has published its commitment for the epoch.
	CommitmentStatus(ctx context.Context, epoch Epoch) (complete bool, submitted int, err error)

	// AdvanceEpoch moves the group to the given epoch after a completed refresh.
	AdvanceEpoch(ctx context.Context, epoch Epoch) error

	// RecordBackupAssignment stores where a backup bundle of the group was placed.
	RecordBackupAssignment(ctx context.Context, assignment BackupAssignment) error

	// GetBackupAssignments returns the recorded backup placements of a group.
	GetBackupAssignments(ctx context.Context, group GroupID) ([]BackupAssignment, error)

	// SubmitSignature returns a produced signature for a signing request.
	SubmitSignature(ctx context.Context, requestID string, signature []byte) error
}

// Signer performs the coin-specific signing operation with a reconstructed key.
// Implementations must not retain the secret after returning.
type Signer interface {
	Sign(ctx context.Context, secret []byte, txData []byte) ([]byte, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, secret []byte, txData []byte) ([]byte, error)

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context, secret []byte, txData []byte) ([]byte, error) {
	return f(ctx, secret, txData)
}

// Encryptor encrypts payloads for a specific recipient and decrypts payloads
// addressed to the local node.
type Encryptor interface {
	// EncryptFor returns ciphertext only the recipient can open.
	// A missing recipient key is reported as ErrRecipientKeyMissing.
	EncryptFor(recipient NodeID, plaintext []byte) ([]byte, error)

	// Decrypt opens ciphertext addressed to the local node.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// MessageType identifies the purpose of a transport envelope.
type MessageType string

const (
	// MsgShareRequest asks a peer for its share of one slot.
	MsgShareRequest MessageType = "share_request"
	// MsgShareBatchRequest asks a peer for its shares of every slot (refresh and backup).
	MsgShareBatchRequest MessageType = "share_batch_request"
	// MsgShareResponse carries encrypted shares.
	MsgShareResponse MessageType = "share_response"
	// MsgShareDelivery carries re-split shares for the next epoch.
	MsgShareDelivery MessageType = "share_delivery"
	// MsgBackupStore delivers an encrypted fragment bundle to a holder.
	MsgBackupStore MessageType = "backup_store"
	// MsgBackupFetch requests the fragment bundles held for a group.
	MsgBackupFetch MessageType = "backup_fetch"
	// MsgBackupResponse carries encrypted fragment bundles.
	MsgBackupResponse MessageType = "backup_response"
	// MsgAck acknowledges a delivery.
	MsgAck MessageType = "ack"
	// MsgError reports a refusal; Payload holds the reason.
	MsgError MessageType = "error"
)

// Envelope is the unit exchanged over the transport. Payload is opaque and,
// for share material, encrypted for the recipient.
type Envelope struct {
	Type      MessageType `json:"type"`
	From      NodeID      `json:"from"`
	To        NodeID      `json:"to"`
	Group     GroupID     `json:"group"`
	Epoch     Epoch       `json:"epoch"`
	Slot      SlotIndex   `json:"slot"`
	RequestID string      `json:"request_id"`
	Payload   []byte      `json:"payload,omitempty"`
	Signature []byte      `json:"signature,omitempty"`
}

// MessageHandler serves an inbound envelope and returns the reply.
type MessageHandler func(ctx context.Context, env *Envelope) (*Envelope, error)

// Transport delivers envelopes point to point. Delivery is best-effort:
// a nil error means the peer replied, never that it acted on the message.
type Transport interface {
	Send(ctx context.Context, to NodeID, env *Envelope) (*Envelope, error)
	Handle(h MessageHandler)
}
