package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("outcome_type", func(fl validator.FieldLevel) bool {
			return OutcomeType(fl.Field().String()).IsValid()
		})
		_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
			return Platform(fl.Field().String()).IsValid()
		})
		_ = v.RegisterValidation("identifier_type", func(fl validator.FieldLevel) bool {
			return IdentifierType(fl.Field().String()).IsValid()
		})
		validate = v
	})
	return validate
}

// eventRules mirrors OutcomeEvent with the custom enum tags layered on top of
// the struct tags declared on the domain types.
type eventRules struct {
	OutcomeType     string   `json:"outcome_type" validate:"outcome_type"`
	TargetPlatforms []string `json:"target_platforms" validate:"dive,platform"`
	IdentifierTypes []string `json:"identifiers" validate:"dive,identifier_type"`
}

// Validate checks the structural rules and the per-outcome-type invariants of ev.
// It returns a *ValidationError listing every failed rule.
func Validate(ev OutcomeEvent) error {
	v := getValidator()
	var fields []FieldError

	if err := v.Struct(ev); err != nil {
		fields = append(fields, fieldErrors(err)...)
	}

	rules := eventRules{OutcomeType: string(ev.OutcomeType)}
	for _, p := range ev.TargetPlatforms {
		rules.TargetPlatforms = append(rules.TargetPlatforms, string(p))
	}
	for _, id := range ev.Identifiers {
		rules.IdentifierTypes = append(rules.IdentifierTypes, string(id.Type))
	}
	if ev.OutcomeType != "" {
		if err := v.Struct(rules); err != nil {
			fields = append(fields, fieldErrors(err)...)
		}
	}

	switch {
	case ev.OutcomeType.RequiresValue() && ev.Value == nil:
		fields = append(fields, FieldError{Field: "value", Message: fmt.Sprintf("is required for %s", ev.OutcomeType)})
	case ev.OutcomeType.ForbidsValue() && ev.Value != nil:
		fields = append(fields, FieldError{Field: "value", Message: fmt.Sprintf("must be absent for %s", ev.OutcomeType)})
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{EventID: ev.EventID, Fields: fields}
}

func fieldErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "event", Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fieldPath(fe), Message: describe(fe)})
	}
	return out
}

// fieldPath drops the top-level struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be %s characters", fe.Param())
	case "iso4217":
		return "must be an ISO-4217 currency code"
	case "hexadecimal":
		return "must be a hex digest"
	case "ip":
		return "must be an IP address"
	case "url":
		return "must be a valid URL"
	case "outcome_type":
		return "is not a known outcome type"
	case "platform":
		return "is not a supported platform"
	case "identifier_type":
		return "is not a known identifier type"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
