package workerutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/taskforge/internal/models"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validatorInstance returns the shared validator, reporting JSON field names
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
	})
	return validate
}

// DecodePayload unmarshals data into v and validates its struct tags.
// Every failure is a *models.ValidationError listing the offending fields.
func DecodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return models.NewValidationError("payload is empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &models.ValidationError{Message: "payload is not valid JSON", Err: err}
	}
	return ValidateStruct(v)
}

// ValidateStruct runs go-playground/validator over v
func ValidateStruct(v interface{}) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &models.ValidationError{Message: err.Error(), Err: err}
	}

	fields := make([]models.FieldError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, models.FieldError{Field: fieldPath(fe), Message: describe(fe)})
	}
	return &models.ValidationError{Fields: fields, Err: err}
}

// fieldPath drops the top-level struct name from the namespace
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return fmt.Sprintf("is required when %s is not set", strings.ToLower(fe.Param()))
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// ParseDeliverables validates requested kinds, removes duplicates and applies defaults
func ParseDeliverables(requested []string, defaults []models.DeliverableKind) ([]models.DeliverableKind, error) {
	if len(requested) == 0 {
		return append([]models.DeliverableKind(nil), defaults...), nil
	}

	seen := make(map[models.DeliverableKind]bool, len(requested))
	kinds := make([]models.DeliverableKind, 0, len(requested))
	var fields []models.FieldError
	for i, raw := range requested {
		kind := models.DeliverableKind(strings.ToLower(strings.TrimSpace(raw)))
		if !kind.IsValid() {
			fields = append(fields, models.FieldError{
				Field:   fmt.Sprintf("deliverables[%d]", i),
				Message: fmt.Sprintf("unknown deliverable %q", raw),
			})
			continue
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	if len(fields) > 0 {
		return nil, models.NewValidationError("", fields...)
	}
	return kinds, nil
}

// Truncate shortens s to at most max runes, marking the cut
func Truncate(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "\n[truncated]"
}
