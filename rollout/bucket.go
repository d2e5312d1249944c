package rollout

import "crypto/md5"

// Bucket maps a printer UUID to a stable percentage bucket in [0, 100).
// The full MD5 digest is reduced modulo 100, folding one byte at a time so
// the 128-bit value never needs a big-integer type. A printer is inside a
// gradual rollout when its bucket is strictly below the rollout percentage.
func Bucket(printerID string) int {
	sum := md5.Sum([]byte(printerID))
	mod := 0
	for _, b := range sum {
		mod = (mod*256 + int(b)) % 100
	}
	return mod
}
