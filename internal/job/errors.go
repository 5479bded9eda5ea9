package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/whale-analyst/internal/extract"
	"github.com/sells-group/whale-analyst/internal/provider"
)

// maxFailureReason bounds the stored failure reason, in runes.
const maxFailureReason = 500

// ValidationError reports submission input that cannot be analyzed.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if len(e.Fields) > 0 {
		parts = append(parts, "missing or invalid fields: "+strings.Join(e.Fields, ", "))
	}
	return "validation: " + strings.Join(parts, "; ")
}

// StoreError reports a failed durable write or read during submission. The
// caller should retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// panicError carries a recovered worker panic.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// FailureReason renders err as "<class>: <detail>" for storage on a failed
// job. It never includes a stack trace.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}

	var (
		ve  *ValidationError
		ex  *provider.ExhaustedError
		pe  *provider.Error
		uo  *extract.UnparseableOutputError
		pan *panicError
		se  *StoreError
	)
	class := "internal"
	switch {
	case errors.As(err, &ve):
		class = "validation"
	case errors.As(err, &ex):
		class = "providers_exhausted"
	case errors.As(err, &uo):
		class = "unparseable_output"
	case errors.As(err, &pe):
		class = string(pe.Kind)
	case errors.As(err, &pan):
		class = "internal"
	case errors.As(err, &se):
		class = "store"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		class = "canceled"
	}

	return truncate(class+": "+err.Error(), maxFailureReason)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
