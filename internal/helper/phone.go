package helper

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned when a phone number cannot be normalized to
// canonical international format.
var ErrInvalidAddress = errors.New("invalid phone number")

var (
	allowedChars = regexp.MustCompile(`^[\d\s\+\-\(\)]+$`)
	nonDigits    = regexp.MustCompile(`[^\d]`)
)

// NormalizePhone converts a phone number to canonical international format:
// digits only, no leading "+", country code included. Example inputs
// "+1 (555) 010-1234", "15550101234" both normalize to "15550101234".
func NormalizePhone(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	if !allowedChars.MatchString(phone) {
		return "", fmt.Errorf("%w: contains invalid characters", ErrInvalidAddress)
	}

	hadPlus := strings.HasPrefix(strings.TrimSpace(phone), "+")
	cleaned := nonDigits.ReplaceAllString(phone, "")

	// International numbers are 8-15 digits including the country code (E.164).
	if len(cleaned) < 8 || len(cleaned) > 15 {
		return "", fmt.Errorf("%w: invalid length %d", ErrInvalidAddress, len(cleaned))
	}

	// A leading zero without an explicit "+" is a national format we cannot
	// resolve to a country code reliably.
	if !hadPlus && strings.HasPrefix(cleaned, "0") {
		return "", fmt.Errorf("%w: national format without country code", ErrInvalidAddress)
	}

	cleaned = strings.TrimLeft(cleaned, "0")
	if len(cleaned) < 8 {
		return "", fmt.Errorf("%w: too short after trimming", ErrInvalidAddress)
	}

	return cleaned, nil
}

// ExtractPhoneFromJID pulls the bare phone number out of a transport JID,
// e.g. "15550101234:43@s.whatsapp.net" -> "15550101234".
func ExtractPhoneFromJID(jid string) string {
	atSplit := strings.SplitN(jid, "@", 2)
	if len(atSplit) == 0 {
		return jid
	}
	beforeAt := atSplit[0]
	colonSplit := strings.SplitN(beforeAt, ":", 2)
	return colonSplit[0]
}
