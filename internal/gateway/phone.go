package gateway

import (
	"strings"

	"github.com/pesaflow/payment-engine/internal/models"
)

// normalizeMSISDN canonicalizes a subscriber number into
// <callingCode><subscriber> with no plus sign. Accepted inputs: local format
// with a leading 0, international format with or without "+", or an already
// canonical number.
func normalizeMSISDN(raw, callingCode string, subscriberLen int) (string, error) {
	n := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	n = strings.TrimPrefix(n, "+")
	if strings.HasPrefix(n, "0") {
		n = callingCode + n[1:]
	} else if !strings.HasPrefix(n, callingCode) {
		if len(n) == subscriberLen {
			n = callingCode + n
		}
	}

	if !strings.HasPrefix(n, callingCode) {
		return "", &models.ValidationError{Field: "phone_number", Message: "expected calling code " + callingCode}
	}
	if len(n) != len(callingCode)+subscriberLen {
		return "", &models.ValidationError{Field: "phone_number", Message: "invalid subscriber number length"}
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return "", &models.ValidationError{Field: "phone_number", Message: "non-numeric characters"}
		}
	}
	return n, nil
}
