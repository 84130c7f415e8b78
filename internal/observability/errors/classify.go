// Package errors maps job failures to low-cardinality labels for metrics and logs.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"
)

// Classifier is implemented by errors that pick their own label.
type Classifier interface {
	ErrorClass() string
}

// Classify returns a label for err. Errors in the chain that implement Classifier win,
// then context deadlines and cancellations, then the type name of the innermost error.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var c Classifier
	if goerrors.As(err, &c) {
		if class := c.ErrorClass(); class != "" {
			return class
		}
	}
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}
	return typeName(innermost(err))
}

func innermost(err error) error {
	for {
		next := goerrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// typeName turns *pkg.SomeError into pkg_someerror. Values from errors.New and
// fmt.Errorf carry no useful type and collapse to "error".
func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "unknown"
	}
	switch t.PkgPath() {
	case "errors", "fmt":
		return "error"
	}
	return strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
}
