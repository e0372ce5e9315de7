// Package interfaces defines the core types, collaborator interfaces and error
// taxonomy of the threshold key custody engine.
package interfaces

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NodeID identifies a custody node. On-chain deployments use the checksummed
// hex address of the node's ledger account.
type NodeID string

// Validate checks that the node ID can be used as a storage and routing key.
func (id NodeID) Validate() error {
	if id == "" {
		return errors.New("empty node id")
	}
	if strings.ContainsAny(string(id), "/\\ ") {
		return fmt.Errorf("invalid node id %q: must not contain separators or spaces", string(id))
	}
	return nil
}

// GroupID identifies a cooperating group of nodes (a cluster).
type GroupID string

// SlotIndex identifies one of the fixed logical keys custodied by a group.
type SlotIndex int

// Epoch is the version counter of a share set. Shares from different epochs
// must never be combined.
type Epoch uint64

// Next returns the epoch that follows e.
func (e Epoch) Next() Epoch {
	return e + 1
}

// Share is one fragment of a slot secret.
// Value carries the polynomial evaluations followed by a single x-coordinate byte.
type Share struct {
	Slot      SlotIndex `json:"slot"`
	Index     int       `json:"index"`
	Value     []byte    `json:"value"`
	Threshold int       `json:"threshold"`
	Total     int       `json:"total"`
	Epoch     Epoch     `json:"epoch"`
}

// XCoordinate returns the evaluation point encoded in the share value.
func (s Share) XCoordinate() byte {
	if len(s.Value) == 0 {
		return 0
	}
	return s.Value[len(s.Value)-1]
}

// Wipe overwrites the share value in place.
func (s *Share) Wipe() {
	for i := range s.Value {
		s.Value[i] = 0
	}
	s.Value = nil
}

// WipeShares overwrites every share value in the slice.
func WipeShares(shares []Share) {
	for i := range shares {
		shares[i].Wipe()
	}
}

// ShareParams describes the sharing a new share set belongs to.
type ShareParams struct {
	Slot      SlotIndex
	Epoch     Epoch
	Threshold int
	Total     int
}

// BackupFragment is a share of a secondary, independent split of a slot secret,
// held outside the owning group for disaster recovery. The embedded share's
// Index is the backup index.
type BackupFragment struct {
	SourceGroup GroupID `json:"source_group"`
	Share
}

// BackupIndex returns the index of the fragment within the backup scheme.
func (f BackupFragment) BackupIndex() int {
	return f.Index
}

// FragmentBundle carries the fragments of every slot for a single backup index.
// A bundle is the unit delivered to one backup holder.
type FragmentBundle struct {
	SourceGroup GroupID          `json:"source_group"`
	BackupIndex int              `json:"backup_index"`
	Epoch       Epoch            `json:"epoch"`
	Fragments   []BackupFragment `json:"fragments"`
}

// Wipe overwrites all fragment values in the bundle.
func (b *FragmentBundle) Wipe() {
	for i := range b.Fragments {
		b.Fragments[i].Wipe()
	}
}

// Group is a ledger view of a cooperating group.
type Group struct {
	ID            GroupID  `json:"id"`
	Members       []NodeID `json:"members"`
	ActiveMembers int      `json:"active_members"`
}

// MembershipChange is emitted by the ledger when nodes leave and join a group.
// Leaving[i] is replaced by Joining[i]; Members is the post-change membership
// ordered by slot.
type MembershipChange struct {
	Group   GroupID  `json:"group"`
	Epoch   Epoch    `json:"epoch"`
	Leaving []NodeID `json:"leaving"`
	Joining []NodeID `json:"joining"`
	Members []NodeID `json:"members"`
}

// SigningRequest asks the owner of Slot to sign TxData.
type SigningRequest struct {
	ID     string    `json:"id"`
	Slot   SlotIndex `json:"slot"`
	TxData []byte    `json:"tx_data"`
}

// BackupAssignment records which node holds which backup bundle of a group.
type BackupAssignment struct {
	SourceGroup GroupID `json:"source_group"`
	TargetGroup GroupID `json:"target_group"`
	Holder      NodeID  `json:"holder"`
	BackupIndex int     `json:"backup_index"`
	Epoch       Epoch   `json:"epoch"`
	Delivered   bool    `json:"delivered"`
}

// SessionRecord describes a live reconstruction window.
type SessionRecord struct {
	ReconstructedAt time.Time     `json:"reconstructed_at"`
	Slots           []SlotIndex   `json:"slots"`
	TTL             time.Duration `json:"ttl"`
}

// Expired reports whether the window has outlived its TTL at the given time.
func (r SessionRecord) Expired(now time.Time) bool {
	if r.ReconstructedAt.IsZero() {
		return false
	}
	return now.Sub(r.ReconstructedAt) > r.TTL
}
