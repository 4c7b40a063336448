package validation

import (
	"fmt"
	"strings"
)

const (
	KindGeometry   = "geometry"
	KindBands      = "bands"
	KindParameters = "parameters"
)

// ValidationError reports a rejected submit request. No task is created when
// one is returned.
type ValidationError struct {
	Kind         string
	Detail       string
	MissingBands []string
}

func (e *ValidationError) Error() string {
	if len(e.MissingBands) > 0 {
		return fmt.Sprintf("%s: %s (missing bands: %s)", e.Kind, e.Detail, strings.Join(e.MissingBands, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func geometryErr(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: KindGeometry, Detail: fmt.Sprintf(format, args...)}
}

func parametersErr(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: KindParameters, Detail: fmt.Sprintf(format, args...)}
}
