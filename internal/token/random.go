package token

import (
	"crypto/rand"
	"fmt"
)

// Alphabet omits characters that are easily confused when read aloud or
// copied by hand (0/O, 1/I).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Random returns length symbols drawn uniformly from Alphabet.
func Random(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid token length: %d", length)
	}

	// Rejection sampling avoids modulo bias.
	maxRandomByte := 256 - 256%len(Alphabet)

	out := make([]byte, length)
	buf := make([]byte, length*2)
	written := 0

	for written < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read secure random bytes: %w", err)
		}

		for _, b := range buf {
			if int(b) >= maxRandomByte {
				continue
			}
			out[written] = Alphabet[int(b)%len(Alphabet)]
			written++
			if written == length {
				break
			}
		}
	}

	return string(out), nil
}
