// Package errors derives metric-safe error class names.
package errors

import (
	goerrors "errors"
	"reflect"
	"strings"

	apperrors "github.com/ClearPeaks/knime-audit/internal/errors"
)

// Classify returns a normalized error class suitable for tagging metrics and logs.
// Stage errors report their kind and application errors their code; anything else the
// innermost concrete type in snake_case.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var se *apperrors.StageError
	if goerrors.As(err, &se) {
		return string(se.Kind)
	}
	var ae *apperrors.AppError
	if goerrors.As(err, &ae) {
		return "app_" + string(ae.Code)
	}

	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
