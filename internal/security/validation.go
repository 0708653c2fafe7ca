package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// Validation errors
var (
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// MaxPathLength is the longest path accepted from hook input.
const MaxPathLength = 4096

// ValidatePath checks that a path is usable and returns it cleaned and
// absolute. Relative paths are resolved against the process working directory.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}

	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}

	if len(path) > MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), MaxPathLength)
	}

	for _, r := range path {
		if unicode.IsControl(r) {
			return "", ErrControlCharacters
		}
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	return absPath, nil
}

// ResolvePath validates path and, when it is relative, anchors it at base
// instead of the process working directory.
func ResolvePath(base, path string) (string, error) {
	if path != "" && !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	return ValidatePath(path)
}

// ValidateHexString validates that a string is lowercase hexadecimal of the
// expected length.
func ValidateHexString(s string, expectedLen int) error {
	if len(s) != expectedLen {
		return fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidInput, expectedLen, len(s))
	}

	for i, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return fmt.Errorf("%w: invalid hex character at position %d", ErrInvalidInput, i)
		}
	}

	return nil
}
