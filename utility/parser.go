package utility

import "encoding/json"

// ParseJson decodes a raw OCPP-J frame into its top-level array form.
func ParseJson(b []byte) ([]interface{}, error) {
	var fields []interface{}
	err := json.Unmarshal(b, &fields)
	return fields, err
}
