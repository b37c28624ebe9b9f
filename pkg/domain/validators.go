package domain

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	slugPattern          = regexp.MustCompile(`^[\w-]+$`)
	identifierPattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	discreteAliasPattern = regexp.MustCompile(`^[A-Za-z0-9.\-_]+$`)
)

// ValidateSlug checks that value is a non-empty slug of at most maxLen characters.
func ValidateSlug(entity EntityType, field, value string, maxLen int) error {
	if value == "" {
		return Required(entity, field)
	}
	if !slugPattern.MatchString(value) {
		return Invalid(entity, field, "only letters, digits, underscores and hyphens are allowed")
	}
	return ValidateMaxLength(entity, field, value, maxLen)
}

// ValidateIdentifier checks descriptor identifiers.
func ValidateIdentifier(entity EntityType, field, value string, maxLen int) error {
	if value == "" {
		return Required(entity, field)
	}
	if !identifierPattern.MatchString(value) {
		return Invalid(entity, field, "identifier must start with a letter and contain letters, digits or underscores")
	}
	return ValidateMaxLength(entity, field, value, maxLen)
}

// ValidateDiscreteAlias checks aliases of discrete descriptor values.
func ValidateDiscreteAlias(entity EntityType, field, value string, maxLen int) error {
	if value == "" {
		return Required(entity, field)
	}
	if !discreteAliasPattern.MatchString(value) {
		return Invalid(entity, field, "only letters, digits, dots, hyphens and underscores are allowed")
	}
	return ValidateMaxLength(entity, field, value, maxLen)
}

// ValidateName checks a non-blank string of at most maxLen characters.
func ValidateName(entity EntityType, field, value string, maxLen int) error {
	if strings.TrimSpace(value) == "" {
		return Required(entity, field)
	}
	return ValidateMaxLength(entity, field, value, maxLen)
}

// ValidateMaxLength checks the rune length of value.
func ValidateMaxLength(entity EntityType, field, value string, maxLen int) error {
	if maxLen > 0 && utf8.RuneCountInString(value) > maxLen {
		return Invalid(entity, field, fmt.Sprintf("must be at most %d characters", maxLen))
	}
	return nil
}
