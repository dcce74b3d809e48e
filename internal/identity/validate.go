package identity

import (
	"fmt"
	"strings"
	"unicode"

	"readaloud/internal/domain"
)

const minNameLength = 2

// Validate checks the lexical format of a contributor name. Case is preserved.
func Validate(candidate string) error {
	if len(candidate) < minNameLength {
		return fmt.Errorf("%w: name must be at least %d characters", domain.ErrInvalidFormat, minNameLength)
	}
	for _, r := range candidate {
		switch {
		case unicode.IsSpace(r):
			return fmt.Errorf("%w: name must not contain spaces", domain.ErrInvalidFormat)
		case r == '-':
			return fmt.Errorf("%w: name must not contain hyphens, use an underscore instead", domain.ErrInvalidFormat)
		case !isNameRune(r):
			return fmt.Errorf("%w: %q is not allowed, use letters, digits and underscores", domain.ErrInvalidFormat, r)
		}
	}
	return nil
}

func isNameRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

// SameName compares names the way the contributor directory does.
func SameName(a, b string) bool {
	return strings.EqualFold(a, b)
}
