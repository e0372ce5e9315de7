package interfaces

import "errors"

var (
	// ErrInsufficientShares is returned when fewer shares than the threshold are supplied.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrInconsistentShareSet is returned when shares disagree on slot, epoch or
	// parameters, when share indices collide, or when a share from an epoch other
	// than the tracked one is presented.
	ErrInconsistentShareSet = errors.New("inconsistent share set")

	// ErrCardinalityMismatch is returned when a membership list does not map 1:1 onto the slots.
	ErrCardinalityMismatch = errors.New("cardinality mismatch")

	// ErrUnknownOwner is returned when a transfer names a node that owns no slot.
	ErrUnknownOwner = errors.New("unknown owner")

	// ErrNotFound is returned by ownership lookups on absent entries.
	ErrNotFound = errors.New("not found")

	// ErrKeyExpired is returned when a signing session's secret was cleared by its TTL.
	ErrKeyExpired = errors.New("key expired")

	// ErrSigningFailed wraps errors returned by the signing collaborator.
	ErrSigningFailed = errors.New("signing failed")

	// ErrRefreshTimeout is returned when a refresh overruns its hard timeout.
	ErrRefreshTimeout = errors.New("refresh timeout")

	// ErrNoSecretsHeld is returned when an operation needs reconstructed secrets and there are none.
	ErrNoSecretsHeld = errors.New("no secrets held")

	// ErrCatastrophicRecoveryFailed is returned when not enough backup fragments could be collected.
	ErrCatastrophicRecoveryFailed = errors.New("catastrophic recovery failed")
)

var (
	ErrInvalidParameters   = errors.New("invalid sharing parameters")
	ErrAlreadyInitialized  = errors.New("already initialized")
	ErrRecipientKeyMissing = errors.New("recipient key missing")
	ErrUnauthorizedPeer    = errors.New("unauthorized peer")
	ErrNoHealthyGroups     = errors.New("no healthy groups")
	ErrSessionBusy         = errors.New("session busy")
	ErrRefreshInProgress   = errors.New("refresh in progress")
	ErrCommitmentTimeout   = errors.New("commitment round timeout")

	// ErrNoTransactOpts is returned when a ledger write is attempted without transaction options.
	ErrNoTransactOpts = errors.New("no authorized transactor available")
)
