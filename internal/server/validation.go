package server

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("form"), ",", 2)[0]
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
		_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
	})
	return validate
}

var validationMessages = map[string]string{
	"required": "%s is required",
	"email":    "%s must be a valid email address",
}

// validateRequest returns a single human-readable message for the first
// failing field, or "" when the request is valid.
func validateRequest(req any) string {
	err := getValidator().Struct(req)
	if err == nil {
		return ""
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request"
	}
	first := fieldErrs[0]
	field := first.Field()
	if template, ok := validationMessages[first.Tag()]; ok {
		return fmt.Sprintf(template, field)
	}
	switch first.Tag() {
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, first.Param())
	case "maxbytes":
		return fmt.Sprintf("%s must be at most %s bytes", field, first.Param())
	}
	return fmt.Sprintf("%s is invalid", field)
}

// validateMaxBytes limits the encoded length of a string, for values such as
// bcrypt input where the limit is in bytes rather than characters.
func validateMaxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}
