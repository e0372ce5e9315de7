// Package session implements the time-bounded signing reconstruction.
//
// A Session moves through Idle, Reconstructing, Signed or Expired, and Cleared.
// It only ever holds the secret of the slot the local node owns, and a TTL
// timer wipes that secret if the session is not cleared in time.
//
// Usage:
//
//	s := session.New(session.Config{Self: self, Owners: registry, Epoch: epoch})
//	if err := s.ReconstructOwn(shares); err != nil {
//		return err
//	}
//	sig, err := s.SignAndClear(ctx, signer, txData)
package session
