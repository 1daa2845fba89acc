package codegen

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Uppercase letters and digits without 0/O and 1/I, so codes survive being
// read aloud or typed from paper.
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// Largest multiple of len(alphabet) that fits in a byte range.
const maxRandomByte = 256 - 256%len(alphabet)

// Generate returns a cryptographically random code of the given length.
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length: %d", length)
	}

	code := make([]byte, length)
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
			code[written] = alphabet[int(b)%len(alphabet)]
			written++
			if written == length {
				break
			}
		}
	}

	return string(code), nil
}

// GenerateGrouped returns codes like "PREFIX-ABCD-EFGH". An empty prefix is
// omitted.
func GenerateGrouped(prefix string, groups, groupLen int) (string, error) {
	if groups <= 0 {
		return "", fmt.Errorf("invalid group count: %d", groups)
	}
	raw, err := Generate(groups * groupLen)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, groups+1)
	if p := strings.ToUpper(strings.TrimSpace(prefix)); p != "" {
		parts = append(parts, p)
	}
	for i := 0; i < groups; i++ {
		parts = append(parts, raw[i*groupLen:(i+1)*groupLen])
	}
	return strings.Join(parts, "-"), nil
}
