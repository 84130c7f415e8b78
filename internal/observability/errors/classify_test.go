package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type labelled struct{}

func (labelled) Error() string      { return "labelled" }
func (labelled) ErrorClass() string { return "panic" }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "self labelled through wrapping", err: fmt.Errorf("attempt 2: %w", labelled{}), want: "panic"},
		{name: "attempt timeout", err: fmt.Errorf("attempt timed out after 1s: %w", context.DeadlineExceeded), want: "timeout"},
		{name: "cancelled", err: fmt.Errorf("claim: %w", context.Canceled), want: "canceled"},
		{name: "plain error", err: goerrors.New("smtp: connection refused"), want: "error"},
		{name: "wrapped plain error", err: fmt.Errorf("send: %w", goerrors.New("boom")), want: "error"},
		{name: "typed error", err: fmt.Errorf("dial: %w", &net.OpError{Op: "dial", Err: goerrors.New("refused")}), want: "error"},
		{name: "typed innermost", err: &net.AddrError{Err: "bad", Addr: "x"}, want: "net_addrerror"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
