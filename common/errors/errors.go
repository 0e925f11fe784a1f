// Package errors is a drop-in replacement for Golang lib 'errors'.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/tcpfs/tcpfs/common/log"
)

type hasInnerError interface {
	// Unwrap returns the underlying error of this one.
	Unwrap() error
}

type hasSeverity interface {
	Severity() log.Severity
}

// Error is an error object with underlying error.
type Error struct {
	message  []interface{}
	caller   string
	inner    error
	severity log.Severity
}

// Error implements error.Error().
func (err *Error) Error() string {
	builder := strings.Builder{}
	if err.caller != "" {
		builder.WriteString(err.caller)
		builder.WriteString(": ")
	}
	builder.WriteString(fmt.Sprint(err.message...))

	if err.inner != nil {
		builder.WriteString(" > ")
		builder.WriteString(err.inner.Error())
	}
	return builder.String()
}

// Unwrap implements hasInnerError.Unwrap()
func (err *Error) Unwrap() error {
	if err.inner == nil {
		return nil
	}
	return err.inner
}

func (err *Error) Base(e error) *Error {
	err.inner = e
	return err
}

func (err *Error) atSeverity(s log.Severity) *Error {
	err.severity = s
	return err
}

func (err *Error) Severity() log.Severity {
	if err.inner == nil {
		return err.severity
	}

	if s, ok := err.inner.(hasSeverity); ok {
		as := s.Severity()
		if as < err.severity {
			return as
		}
	}

	return err.severity
}

// AtDebug sets the severity to debug.
func (err *Error) AtDebug() *Error {
	return err.atSeverity(log.SeverityDebug)
}

// AtInfo sets the severity to info.
func (err *Error) AtInfo() *Error {
	return err.atSeverity(log.SeverityInfo)
}

// AtWarning sets the severity to warning.
func (err *Error) AtWarning() *Error {
	return err.atSeverity(log.SeverityWarning)
}

// AtError sets the severity to error.
func (err *Error) AtError() *Error {
	return err.atSeverity(log.SeverityError)
}

// String returns the string representation of this error.
func (err *Error) String() string {
	return err.Error()
}

// New returns a new error object with message formed from given arguments.
func New(msg ...interface{}) *Error {
	return &Error{
		message:  msg,
		severity: log.SeverityInfo,
		caller:   callerPackage(2),
	}
}

func callerPackage(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	details := runtime.FuncForPC(pc).Name()
	// github.com/tcpfs/tcpfs/proxy/tcpfs/outbound.(*Session).loop
	if i := strings.LastIndex(details, "/"); i >= 0 {
		details = details[i+1:]
	}
	if i := strings.Index(details, "."); i >= 0 {
		details = details[:i]
	}
	return details
}

// Cause returns the root cause of this error.
func Cause(err error) error {
	if err == nil {
		return nil
	}
L:
	for {
		switch inner := err.(type) {
		case hasInnerError:
			if inner.Unwrap() == nil {
				break L
			}
			err = inner.Unwrap()
		default:
			break L
		}
	}
	return err
}

// GetSeverity returns the actual severity of the error, including inner errors.
func GetSeverity(err error) log.Severity {
	if s, ok := err.(hasSeverity); ok {
		return s.Severity()
	}
	return log.SeverityInfo
}

// Is and As forward to the standard library so callers only import this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func doLog(ctx context.Context, inner error, severity log.Severity, msg ...interface{}) {
	err := &Error{
		message:  msg,
		severity: severity,
		caller:   callerPackage(3),
		inner:    inner,
	}
	log.Record(ctx, severity, err.Error())
}

func LogDebug(ctx context.Context, msg ...interface{}) {
	doLog(ctx, nil, log.SeverityDebug, msg...)
}

func LogDebugInner(ctx context.Context, inner error, msg ...interface{}) {
	doLog(ctx, inner, log.SeverityDebug, msg...)
}

func LogInfo(ctx context.Context, msg ...interface{}) {
	doLog(ctx, nil, log.SeverityInfo, msg...)
}

func LogInfoInner(ctx context.Context, inner error, msg ...interface{}) {
	doLog(ctx, inner, log.SeverityInfo, msg...)
}

func LogWarning(ctx context.Context, msg ...interface{}) {
	doLog(ctx, nil, log.SeverityWarning, msg...)
}

func LogWarningInner(ctx context.Context, inner error, msg ...interface{}) {
	doLog(ctx, inner, log.SeverityWarning, msg...)
}

func LogError(ctx context.Context, msg ...interface{}) {
	doLog(ctx, nil, log.SeverityError, msg...)
}

func LogErrorInner(ctx context.Context, inner error, msg ...interface{}) {
	doLog(ctx, inner, log.SeverityError, msg...)
}
