package config

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"ledgersync/internal/domain"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param"`
}

// ValidationErrors collects multiple validation failures.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(v))
	for i, err := range v {
		if err.Param != "" {
			parts[i] = err.Field + " failed on " + err.Tag + "=" + err.Param
		} else {
			parts[i] = err.Field + " failed on " + err.Tag
		}
	}
	return strings.Join(parts, "; ")
}

func validateStruct(s any) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}
	if ve, ok := err.(validator.ValidationErrors); ok {
		failures := make(ValidationErrors, 0, len(ve))
		for _, fe := range ve {
			failures = append(failures, ValidationError{
				Field: fe.Namespace(),
				Tag:   fe.Tag(),
				Param: fe.Param(),
			})
		}
		return failures
	}
	return err
}

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		// Report the YAML key rather than the Go field name.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
		validate.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
			return domain.ValidIdentifier(fl.Field().String())
		})
	})
	return validate
}
