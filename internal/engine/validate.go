package engine

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"complyline/internal/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	validate.RegisterValidation("priority", validatePriority)
	validate.RegisterValidation("isodate", validateISODate)
}

func validatePriority(fl validator.FieldLevel) bool {
	return domain.PriorityRank(fl.Field().String()) > 0
}

// isodate accepts YYYY-MM-DD; pointer fields are dereferenced by the validator.
func validateISODate(fl validator.FieldLevel) bool {
	_, err := time.Parse(time.DateOnly, fl.Field().String())
	return err == nil
}

// validateStruct runs the struct tags of v and folds failures into one
// validation error naming every offending field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.Validation("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, validationMessage(fe))
	}
	return domain.Validation("%s", strings.Join(msgs, "; "))
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "gte":
		return fe.Field() + " must be >= " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "priority":
		return fe.Field() + " must be one of: critical high medium low"
	case "isodate":
		return fe.Field() + " must be a YYYY-MM-DD date"
	default:
		return fe.Field() + " is invalid"
	}
}
