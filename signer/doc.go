// Package signer provides the interfaces.Signer implementations a node can
// hand a reconstructed slot key to.
package signer
