//go:build !unix

package kms

import "errors"

var errMlockUnsupported = errors.New("memory locking not supported on this platform")

func lockMemory(b []byte) error {
	return errMlockUnsupported
}

func unlockMemory(b []byte) error {
	return nil
}
