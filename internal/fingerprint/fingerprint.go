// Package fingerprint computes stable content digests of nested data
// structures for cache keying.
package fingerprint

import (
	"crypto/md5" // #nosec G401 -- content addressing, not a security boundary.
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
)

// Fingerprint returns a 32-hex digest of v. Map keys are sorted during
// marshaling, so semantically equal structures produce equal digests
// regardless of insertion order.
func Fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// fmt also prints maps in sorted key order.
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := md5.Sum(data) // #nosec G401
	return hex.EncodeToString(sum[:])
}
