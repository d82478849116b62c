// Package validation проверяет тела запросов HTTP API по тегам validate.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pos-engine/internal/model"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errInit      error
)

func decimalRule(check func(decimal.Decimal) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		if !ok {
			return false
		}
		return check(d)
	}
}

func initValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Ошибки называют поля так, как они приходят в JSON.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	rules := map[string]func(decimal.Decimal) bool{
		"dec_positive": decimal.Decimal.IsPositive,
		"dec_nonneg":   func(d decimal.Decimal) bool { return !d.IsNegative() },
		"dec_nonzero":  func(d decimal.Decimal) bool { return !d.IsZero() },
		"dec_percent": func(d decimal.Decimal) bool {
			return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(100))
		},
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, decimalRule(fn)); err != nil {
			return nil, fmt.Errorf("register %s: %w", tag, err)
		}
	}

	return v, nil
}

func instance() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errInit = initValidator()
	})
	return validate, errInit
}

// Struct проверяет структуру. Нарушение тега возвращается как ошибка
// валидации домена с именем поля.
func Struct(op string, s any) error {
	v, err := instance()
	if err != nil {
		return fmt.Errorf("%s: validator: %w", op, err)
	}

	err = v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return model.Validationf(op, "%s", describe(fieldErrs[0]))
	}
	return model.Validationf(op, "%v", err)
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must have at most %s items", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "dec_positive":
		return field + " must be positive"
	case "dec_nonneg":
		return field + " must not be negative"
	case "dec_nonzero":
		return field + " must not be zero"
	case "dec_percent":
		return field + " must be within [0, 100]"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
