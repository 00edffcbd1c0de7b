package pii

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/V4T54L/beacon/internal/domain"
)

const RedactedPlaceholder = "[REDACTED]"

// Redactor masks sensitive keys in event properties before they are queued.
type Redactor struct {
	fieldsToRedact map[string]struct{} // lower-cased keys
	logger         *slog.Logger
}

// NewRedactor creates a Redactor for the given property keys. Matching is case-insensitive.
func NewRedactor(fields []string, logger *slog.Logger) *Redactor {
	fieldSet := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		field = strings.ToLower(strings.TrimSpace(field))
		if field != "" {
			fieldSet[field] = struct{}{}
		}
	}
	return &Redactor{
		fieldsToRedact: fieldSet,
		logger:         logger,
	}
}

// ParseFields splits a comma-separated field list as found in configuration.
func ParseFields(list string) []string {
	var fields []string
	for _, f := range strings.Split(list, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Redact replaces configured keys anywhere in event.Properties, including nested
// objects and arrays. It returns an error if the properties are not valid JSON.
func (r *Redactor) Redact(event *domain.Event) error {
	if len(r.fieldsToRedact) == 0 || len(event.Properties) == 0 {
		return nil
	}

	var props any
	if err := json.Unmarshal(event.Properties, &props); err != nil {
		r.logger.Warn("failed to unmarshal properties for PII redaction", "error", err, "event_id", event.ID)
		return err
	}

	if !r.redactValue(props) {
		return nil
	}

	modified, err := json.Marshal(props)
	if err != nil {
		r.logger.Error("failed to marshal properties after PII redaction", "error", err, "event_id", event.ID)
		return err
	}
	event.Properties = modified
	event.PIIRedacted = true
	return nil
}

func (r *Redactor) redactValue(v any) bool {
	redacted := false
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if _, ok := r.fieldsToRedact[strings.ToLower(k)]; ok {
				val[k] = RedactedPlaceholder
				redacted = true
				continue
			}
			if r.redactValue(child) {
				redacted = true
			}
		}
	case []any:
		for _, child := range val {
			if r.redactValue(child) {
				redacted = true
			}
		}
	}
	return redacted
}
