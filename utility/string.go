package utility

import (
	"strconv"

	"github.com/google/uuid"
)

// NewUUID returns a fresh unique id for OCPP-J messages and log records.
func NewUUID() string {
	return uuid.New().String()
}

// Contains reports whether s is present in array.
func Contains(array []string, s string) bool {
	for _, v := range array {
		if v == s {
			return true
		}
	}
	return false
}

// FormatFloat renders a meter reading with one decimal, the shape the
// original firmware reports on the wire.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}
