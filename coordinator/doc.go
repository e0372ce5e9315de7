// Package coordinator runs a custody group member.
//
// A Node owns the local shares of every slot and reacts to three sources of
// events: the ledger (membership changes and signing requests), peers (share
// requests and deliveries over the transport) and its own timers (the
// security invariant check, backup rebalancing and delivery retries). All
// state transitions happen on a single loop goroutine; collecting shares,
// refreshing and backing up run concurrently and report back to the loop.
//
// Signing reconstructs only the slot owned by the requesting node. A
// membership change elects one coordinator, deterministically from the new
// membership and the current epoch, which reconstructs every slot, re-splits
// them onto the new members and distributes the shares of the next epoch.
// Members adopt the delivered shares, publish a commitment to the ledger and
// the distributor advances the ledger epoch once every commitment is in.
package coordinator
