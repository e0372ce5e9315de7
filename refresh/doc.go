// Package refresh re-shares every slot secret when group membership changes.
//
// The Coordinator reconstructs all slots of the retiring membership, splits
// them over the incoming membership at the next epoch and destroys the
// secrets before any share leaves the process. A hard timer and a periodic
// invariant check bound how long secrets may stay reconstructed.
package refresh
