package api

import "unicode/utf8"

// maxPhoneLen is the maximum length of a phone number as supplied by callers.
const maxPhoneLen = 40

// maxIDLen is the maximum length of opaque identifiers (project ids, session ids).
const maxIDLen = 128

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// containsControlChars checks whether a string has control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

// validateParam checks an optional request parameter for length and control
// characters. Presence is checked by the call service.
func validateParam(field, value string, maxLen int) string {
	if msg := validateStringLen(field, value, maxLen); msg != "" {
		return msg
	}
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
