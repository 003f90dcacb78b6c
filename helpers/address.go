package helpers

import (
	"net/mail"
	"strings"
)

// NormalizeEmail strips display names, angle brackets and surrounding
// whitespace and lower-cases the result.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if addr, err := mail.ParseAddress(email); err == nil {
		email = addr.Address
	}
	email = strings.Trim(email, "<>\"' ")
	return strings.ToLower(email)
}
