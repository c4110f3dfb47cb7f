// Package fingerprint derives the content digest anchored for a claim.
//
// Normalization is fixed and applied identically when anchoring and when
// re-verifying:
//
//  1. Unicode NFC composition.
//  2. Leading and trailing whitespace removed.
//  3. Every run of Unicode whitespace collapsed to a single ASCII space.
//  4. Unicode case folding (golang.org/x/text/cases.Fold).
//
// The digest is SHA-256 over the UTF-8 bytes of the normalized text, rendered
// as "0x" followed by 64 lowercase hex characters.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	// Prefix marks a hex encoded digest.
	Prefix = "0x"
	// Size is the digest width in bytes.
	Size = sha256.Size
	// EncodedLength is the length of an encoded digest including the prefix.
	EncodedLength = len(Prefix) + 2*Size
)

// ErrMalformedDigest indicates that a string is not an encoded digest.
var ErrMalformedDigest = errors.New("fingerprint: malformed digest")

// Normalize applies the canonical normalization to claim text.
func Normalize(text string) string {
	composed := norm.NFC.String(text)
	collapsed := strings.Join(strings.Fields(composed), " ")
	return cases.Fold().String(collapsed)
}

// Fingerprint returns the encoded digest of the normalized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return Prefix + hex.EncodeToString(sum[:])
}

// Equal reports whether two encoded digests are byte-equal.
func Equal(left, right string) bool {
	return subtle.ConstantTimeCompare([]byte(left), []byte(right)) == 1
}

// Decode parses an encoded digest into its raw bytes.
func Decode(digest string) ([Size]byte, error) {
	var out [Size]byte
	if len(digest) != EncodedLength || !strings.HasPrefix(digest, Prefix) {
		return out, fmt.Errorf("%w: %q", ErrMalformedDigest, digest)
	}
	raw, err := hex.DecodeString(digest[len(Prefix):])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
	copy(out[:], raw)
	return out, nil
}

// Encode renders raw digest bytes in the canonical encoding.
func Encode(raw [Size]byte) string {
	return Prefix + hex.EncodeToString(raw[:])
}
