//go:build !(linux || freebsd || darwin || openbsd || netbsd)

package mailbox

import "os"

// No kernel lock on this platform; the dotlock still applies.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
