package jobs

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// validate is a single shared validator instance: go-playground/validator's
// own docs recommend caching one instance per application rather than
// constructing it per call, since it builds an internal struct-tag cache on
// first use per type.
var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.SetTagName("binding")
	})
	return validate
}

// SchemaValidator adapts a typed payload struct T into the
// internal/scheduler.SchemaValidator interface: decode the raw job payload
// into T, then run it through go-playground/validator against its
// `binding:"..."` tags, the same tag convention the teacher used for HTTP
// request bodies (internal/domain/event.Event, internal/http/handlers/auth.go).
type SchemaValidator[T any] struct{}

// NewSchemaValidator constructs a SchemaValidator for T. T's zero value is
// never inspected; only the JSON-decoded, tag-validated one is.
func NewSchemaValidator[T any]() SchemaValidator[T] {
	return SchemaValidator[T]{}
}

// Validate implements internal/scheduler.SchemaValidator.
func (SchemaValidator[T]) Validate(payload json.RawMessage) error {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("jobs: decode payload: %w", err)
	}
	if err := instance().Struct(&v); err != nil {
		return fmt.Errorf("jobs: validate payload: %w", err)
	}
	return nil
}

// Decode unmarshals payload into a fresh T, for handlers that want the
// already-validated struct rather than re-parsing raw JSON themselves.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("jobs: decode payload: %w", err)
	}
	return v, nil
}
