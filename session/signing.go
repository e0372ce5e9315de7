package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/kms"
	"github.com/ruteri/threshold-key-custody/metrics"
	"github.com/ruteri/threshold-key-custody/ownership"
)

// DefaultTTL bounds how long a reconstructed signing key may live.
const DefaultTTL = 50 * time.Millisecond

// State is the lifecycle state of a signing session.
type State int

const (
	// StateIdle means nothing has been reconstructed yet.
	StateIdle State = iota

	// StateReconstructing means the slot secret is held and the TTL is running.
	StateReconstructing

	// StateSigned means the signer returned; the secret is about to be cleared.
	StateSigned

	// StateExpired means the TTL fired before the session was cleared.
	StateExpired

	// StateCleared is terminal.
	StateCleared
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReconstructing:
		return "reconstructing"
	case StateSigned:
		return "signed"
	case StateExpired:
		return "expired"
	case StateCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Config configures a signing session.
type Config struct {
	Self   interfaces.NodeID
	Owners ownership.Lookup
	Epoch  interfaces.Epoch

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// ReclaimOnClear runs a garbage collection after the secret is wiped.
	ReclaimOnClear bool

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Session reconstructs the single slot owned by the local node, hands it to a
// signer once and destroys it. A session is single-use.
type Session struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger
	id  string

	state    State
	slot     interfaces.SlotIndex
	secret   *kms.Secret
	record   interfaces.SessionRecord
	deadline time.Time
	timer    *time.Timer
	signing  bool
}

// New returns an idle session. A zero TTL means DefaultTTL.
func New(cfg Config) *Session {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		cfg:   cfg,
		id:    id,
		log:   log.With("session", id),
		state: StateIdle,
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Record returns the reconstruction window of the session.
func (s *Session) Record() interfaces.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record
	rec.Slots = append([]interfaces.SlotIndex(nil), s.record.Slots...)
	return rec
}

// HeldSecrets returns 1 while the slot secret is live, 0 otherwise.
func (s *Session) HeldSecrets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret != nil && !s.secret.Destroyed() {
		return 1
	}
	return 0
}

// ReconstructOwn combines the shares of the slot owned by the local node.
// Every share must belong to that slot and to the session's epoch.
func (s *Session) ReconstructOwn(shares []interfaces.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: session is %s", interfaces.ErrSessionBusy, s.state)
	}

	slot, err := s.cfg.Owners.SlotOf(s.cfg.Self)
	if err != nil {
		return fmt.Errorf("failed to resolve owned slot: %w", err)
	}

	for _, share := range shares {
		if share.Slot != slot {
			return fmt.Errorf("%w: share for slot %d, node owns slot %d", interfaces.ErrInconsistentShareSet, share.Slot, slot)
		}
		if share.Epoch != s.cfg.Epoch {
			return fmt.Errorf("%w: share from epoch %d, tracked epoch is %d", interfaces.ErrInconsistentShareSet, share.Epoch, s.cfg.Epoch)
		}
	}

	secret, err := kms.Combine(shares)
	if err != nil {
		return err
	}

	now := time.Now()
	s.secret = secret
	s.slot = slot
	s.state = StateReconstructing
	s.deadline = now.Add(s.cfg.TTL)
	s.record = interfaces.SessionRecord{
		ReconstructedAt: now,
		Slots:           []interfaces.SlotIndex{slot},
		TTL:             s.cfg.TTL,
	}
	s.timer = time.AfterFunc(s.cfg.TTL, s.expire)

	s.log.Debug("Reconstructed slot secret", "slot", slot, "epoch", s.cfg.Epoch, "shares", len(shares))
	return nil
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReconstructing {
		return
	}
	s.wipeLocked()
	s.state = StateExpired
	s.log.Warn("Signing session expired before use", "slot", s.slot, slog.Duration("ttl", s.cfg.TTL))
	s.cfg.Metrics.SigningSession(metrics.OutcomeExpired)
}

// SignAndClear invokes signer exactly once with the reconstructed secret and
// clears it afterwards, whatever the signer does. The signer runs without the
// session lock and its context expires together with the session: once the
// deadline passes the TTL timer wipes the secret, the signer is abandoned and
// any signature it still produces is discarded.
func (s *Session) SignAndClear(ctx context.Context, signer interfaces.Signer, txData []byte) ([]byte, error) {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil, interfaces.ErrNoSecretsHeld
	case StateReconstructing:
	default:
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", interfaces.ErrKeyExpired, state)
	}
	if s.signing {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: signer already running", interfaces.ErrSessionBusy)
	}
	s.signing = true
	secret := s.secret.Bytes()
	deadline := s.deadline
	s.mu.Unlock()

	signCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan signResult, 1)
	go func() {
		sig, err := callSigner(signCtx, signer, secret, txData)
		done <- signResult{sig: sig, err: err}
	}()

	var res signResult
	select {
	case res = <-done:
	case <-signCtx.Done():
		res.err = signCtx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expiredByTimer := s.state == StateExpired
	if s.state == StateReconstructing {
		s.state = StateSigned
	}
	s.clearLocked()

	if expiredByTimer || time.Now().After(deadline) {
		for i := range res.sig {
			res.sig[i] = 0
		}
		if !expiredByTimer {
			s.cfg.Metrics.SigningSession(metrics.OutcomeExpired)
		}
		return nil, fmt.Errorf("%w: signer did not return within the %s deadline", interfaces.ErrKeyExpired, s.cfg.TTL)
	}
	if res.err != nil {
		s.cfg.Metrics.SigningSession(metrics.OutcomeError)
		if errors.Is(res.err, context.DeadlineExceeded) && errors.Is(signCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyExpired, res.err)
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSigningFailed, res.err)
	}

	s.cfg.Metrics.SigningSession(metrics.OutcomeOK)
	s.log.Debug("Signed with slot secret", "slot", s.slot)
	return res.sig, nil
}

type signResult struct {
	sig []byte
	err error
}

func callSigner(ctx context.Context, signer interfaces.Signer, secret, txData []byte) (sig []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig = nil
			err = fmt.Errorf("signer panicked: %v", r)
		}
	}()
	return signer.Sign(ctx, secret, txData)
}

// Clear wipes any held secret. It is safe to call in every state.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Session) clearLocked() {
	held := s.secret != nil
	s.wipeLocked()
	if s.state != StateIdle {
		s.state = StateCleared
	}
	if held {
		s.cfg.Metrics.ObserveWindow("signing", time.Since(s.record.ReconstructedAt))
		if s.cfg.ReclaimOnClear {
			runtime.GC()
		}
	}
}

func (s *Session) wipeLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.secret != nil {
		s.secret.Destroy()
		s.secret = nil
	}
}
