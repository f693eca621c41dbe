package api

import (
	"regexp"
	"unicode/utf8"
)

// maxIDLen is the maximum length for external identifiers (call, patient,
// organization, caregiver).
const maxIDLen = 128

// maxTokenLen is the maximum length for push device tokens.
const maxTokenLen = 4096

// e164Re validates phone numbers in E.164 form.
var e164Re = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// idRe restricts identifiers to URL-safe characters.
var idRe = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateID checks a required identifier.
func validateID(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxIDLen); msg != "" {
		return msg
	}
	if !idRe.MatchString(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validatePhoneNumber checks that a phone number is in E.164 form.
func validatePhoneNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !e164Re.MatchString(value) {
		return field + " must be an E.164 number"
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}
