package core

import (
	"errors"
	"fmt"
)

// MaxHashLength is the longest cache key accepted by the API.
const MaxHashLength = 128

var ErrInvalidHash = errors.New("invalid hash")

// ValidateHash checks that hash is a non-empty ASCII alphanumeric string of
// at most MaxHashLength characters. Hexadecimal digests in either case are
// the expected format. Keys are checked before any storage call, so nothing
// resembling a path ever reaches a backend.
func ValidateHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	if len(hash) > MaxHashLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrInvalidHash, len(hash), MaxHashLength)
	}

	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return fmt.Errorf("%w: unexpected character at offset %d", ErrInvalidHash, i)
	}

	return nil
}
