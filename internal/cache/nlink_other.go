//go:build !unix

package cache

import "os"

// linkCount has no portable equivalent outside unix; callers treat the
// false return as "assume unshared" which is the safe (delete-eligible) side.
func linkCount(info os.FileInfo) (int, bool) {
	return 0, false
}
