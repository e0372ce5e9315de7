// Package config loads the deployment topology shared by every node: the
// groups and their slot-ordered members, where each member is reachable and
// the transport public key shares are encrypted to.
package config
