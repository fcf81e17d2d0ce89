package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/munistream/puente/internal/linkage"
)

// ErrValidation wraps every input validation failure.
var ErrValidation = errors.New("invalid input")

var (
	claveCatastral  = regexp.MustCompile(`^\d{2}-\d{3}-\d{3}$`)
	cuentaCatastral = regexp.MustCompile(`^\d{10,15}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "clave_catastral", func(fl validator.FieldLevel) bool {
		return claveCatastral.MatchString(fl.Field().String())
	})
	mustRegister(v, "cuenta_catastral", func(fl validator.FieldLevel) bool {
		return cuentaCatastral.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(Change)
		if c.Origin == linkage.Cadastral && !claveCatastral.MatchString(c.Key) {
			sl.ReportError(c.Key, "Key", "key", "clave_catastral", "")
		}
	}, Change{})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("failed to register %q validation: %v", tag, err))
	}
}

// Validate checks a struct against its validate tags.
func Validate(value any) error {
	if err := validate.Struct(value); err != nil {
		return validationError(value, err)
	}
	return nil
}

// ValidateValue checks one value against a tag such as "clave_catastral".
func ValidateValue(value any, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		return validationError(value, err)
	}
	return nil
}

func validationError(input any, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s=%s', got '%v'", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s', got '%v'", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %T: %s", ErrValidation, input, strings.Join(msgs, "; "))
}
