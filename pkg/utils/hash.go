package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

// HashKey digests parts into a fixed-length cache key. Parts are joined with
// a NUL so ("ab", "c") and ("a", "bc") hash differently.
func HashKey(parts ...string) string {
	hash := md5.Sum([]byte(strings.Join(parts, "\x00")))
	return fmt.Sprintf("%x", hash)
}
