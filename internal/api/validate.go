package api

import (
	"fmt"
	"unicode/utf8"
)

const (
	// maxContentFields is the maximum number of fields in a report.
	maxContentFields = 64

	// maxFieldNameSize is the maximum size of a field name in bytes.
	maxFieldNameSize = 128

	// maxFieldValueSize is the maximum size of a field value in bytes.
	maxFieldValueSize = 16 << 10
)

// createReportRequest is the body of POST /reports.
type createReportRequest struct {
	Content map[string]string `json:"content"`
}

// validateContent checks report fields before sealing.
func validateContent(content map[string]string) error {
	if len(content) == 0 {
		return fmt.Errorf("content is empty")
	}

	if len(content) > maxContentFields {
		return fmt.Errorf("too many fields: %d > %d", len(content), maxContentFields)
	}

	for k, v := range content {
		if k == "" {
			return fmt.Errorf("empty field name")
		}

		if len(k) > maxFieldNameSize {
			return fmt.Errorf("field name too long: %d > %d", len(k), maxFieldNameSize)
		}

		if len(v) > maxFieldValueSize {
			return fmt.Errorf("field %q too long: %d > %d", k, len(v), maxFieldValueSize)
		}

		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return fmt.Errorf("field %q is not valid utf-8", k)
		}
	}

	return nil
}
