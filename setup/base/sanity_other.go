//go:build !unix

package base

// PlatformSanityChecks has nothing to check outside of unix.
func PlatformSanityChecks() {}
