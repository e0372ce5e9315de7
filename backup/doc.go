// Package backup keeps a group recoverable when it loses more members than its
// threshold tolerates.
//
// The Manager re-splits every slot secret of the group under an independent
// backup scheme (3-of-5 by default) and places one fragment bundle per backup
// index with a member of another healthy group. After a catastrophic loss the
// surviving members fetch the bundles back, recombine each slot secret and
// issue fresh primary shares that stay consistent with the surviving ones.
//
// The Holder is the other side of the protocol: it keeps the bundles other
// groups placed with the local node, sealed at rest, and serves them back to
// members of the owning group.
package backup
