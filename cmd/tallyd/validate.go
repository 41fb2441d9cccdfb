package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xraph/tally"
)

const maxFieldLength = 500

// validateInput accepts an empty body or a JSON object of bounded fields.
// Feature-specific form rules belong to the client.
func validateInput(_ string, input json.RawMessage) error {
	if len(input) == 0 {
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return tally.ValidationError{Field: "body", Message: "must be a JSON object"}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs tally.MultiError
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && len(s) > maxFieldLength {
			errs.Add(tally.ValidationError{Field: k, Message: fmt.Sprintf("must be at most %d characters", maxFieldLength)})
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}
