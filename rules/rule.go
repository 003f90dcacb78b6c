package rules

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Rule is a stored bounce classification rule. Action holds the stored
// action name, which may not be valid.
type Rule struct {
	ID          int64
	Pattern     string
	PatternHash string
	Action      string
	ListOrder   int
	AdminID     *int64
	Comment     string
	Active      bool
	HitCount    int64
}

// PatternHash returns the lookup key for a raw pattern.
func PatternHash(pattern string) string {
	sum := blake3.Sum256([]byte(pattern))
	return hex.EncodeToString(sum[:])
}
