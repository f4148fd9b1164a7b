package types

import (
	"fmt"
	"time"
)

// ISO8601 time layout with millisecond precision, the format the CSMS
// expects in OCPP 1.6J timestamps.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// DateTime wraps a time.Time struct, allowing for improved dateTime JSON compatibility.
type DateTime struct {
	time.Time
}

// NewDateTime Creates a new DateTime struct, embedding a time.Time struct.
func NewDateTime(time time.Time) *DateTime {
	return &DateTime{Time: time}
}

// Now returns the current UTC time as a DateTime.
func Now() *DateTime {
	return &DateTime{Time: time.Now().UTC()}
}

func (dt *DateTime) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", dt.UTC().Format(ISO8601))), nil
}

func (dt *DateTime) UnmarshalJSON(input []byte) error {
	strInput := string(input)
	if len(strInput) < 2 {
		return fmt.Errorf("invalid dateTime %s", strInput)
	}
	strInput = strInput[1 : len(strInput)-1]
	parsed, err := time.Parse(time.RFC3339, strInput)
	if err != nil {
		parsed, err = time.Parse(ISO8601, strInput)
		if err != nil {
			return err
		}
	}
	dt.Time = parsed
	return nil
}
