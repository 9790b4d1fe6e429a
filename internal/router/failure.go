package router

import (
	"errors"
	"fmt"
	"strings"
)

// Kind separates failures a handler declared from everything else.
type Kind int

const (
	KindManaged Kind = iota + 1
	KindUncaught
)

func (k Kind) String() string {
	switch k {
	case KindManaged:
		return "managed"
	case KindUncaught:
		return "uncaught"
	default:
		return "unknown"
	}
}

// ManagedError is a handler failure that carries its own reply code.
type ManagedError struct {
	Code      int32
	Message   string
	ClassName string
	Err       error
}

func (e *ManagedError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ManagedError) Unwrap() error {
	return e.Err
}

// Managed builds a ManagedError with a formatted message.
func Managed(code int32, format string, args ...any) *ManagedError {
	return &ManagedError{Code: code, Message: fmt.Sprintf(format, args...), ClassName: "ManagedError"}
}

// Failure is the classified form of a handler error.
type Failure struct {
	Kind      Kind
	Code      int32
	Message   string
	ClassName string
}

// Classify maps err onto a Failure. Managed errors keep their code; any
// other error gets uncaughtCode.
func Classify(err error, uncaughtCode int32) Failure {
	var managed *ManagedError
	if errors.As(err, &managed) {
		class := managed.ClassName
		if class == "" {
			class = "ManagedError"
		}
		return Failure{Kind: KindManaged, Code: managed.Code, Message: managed.Error(), ClassName: class}
	}
	return Failure{Kind: KindUncaught, Code: uncaughtCode, Message: err.Error(), ClassName: className(err)}
}

type exceptionBody struct {
	Exception exceptionDetail `json:"exception"`
}

type exceptionDetail struct {
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	ClassName string `json:"className"`
}

// Body renders the structured error payload sent to the remote caller.
func (f Failure) Body() []byte {
	b, err := JSON.Marshal(exceptionBody{Exception: exceptionDetail{
		Message:   f.Message,
		Kind:      f.Kind.String(),
		ClassName: f.ClassName,
	}})
	if err != nil {
		return []byte(`{"exception":{"kind":"uncaught"}}`)
	}
	return b
}

// panicError carries a recovered handler panic.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

func className(err error) string {
	var p *panicError
	if errors.As(err, &p) {
		return "panic"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
