// Package joincode mints short human-typeable session join codes.
package joincode

import (
	"crypto/rand"
	mathrand "math/rand"
)

// Alphabet omits visually ambiguous characters (I, O, L, 0, 1) so codes
// survive being read aloud or copied from a projector.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const DefaultLength = 6

// Generate returns a random code of the given length drawn from Alphabet.
// A single call does not guarantee uniqueness; callers own collision
// checks against their store. When the system random source fails the
// generator falls back to math/rand rather than erroring.
func Generate(length int) string {
	if length <= 0 {
		length = DefaultLength
	}
	out := make([]byte, length)
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		for i := range out {
			out[i] = Alphabet[mathrand.Intn(len(Alphabet))]
		}
		return string(out)
	}
	for i, b := range buf {
		out[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(out)
}
