//go:build !unix

package kvstore

import "os"

// Advisory locking is only wired up on unix; elsewhere the store assumes a single writer.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
