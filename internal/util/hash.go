package util

import (
	"fmt"
	"hash/fnv"
)

// Fingerprint returns a short stable tag for a secret such as a session id,
// so logs can correlate sessions without printing the id itself.
func Fingerprint(secret string) string {
	h := fnv.New32a()
	h.Write([]byte(secret))
	return fmt.Sprintf("%08x", h.Sum32())
}
