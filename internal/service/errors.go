package service

import (
	"errors"
	"fmt"

	"multical/internal/config"
	"multical/internal/ics"
	"multical/internal/query"
	"multical/internal/registry"
)

// Error codes carried by *Error.
const (
	CodeConfiguration = "configuration_error"
	CodeFetch         = "fetch_error"
	CodeParse         = "parse_error"
	CodeDuplicateFeed = "duplicate_feed"
	CodeNotFound      = "not_found"
	CodeQuery         = "query_error"
	CodeInternal      = "internal_error"
)

// Error is the structured error every Service operation returns.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// InvalidArgument builds a query_error for bad caller input.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeQuery, Message: fmt.Sprintf(format, args...)}
}

// AsError maps err onto an *Error. nil stays nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var (
		se   *Error
		cfg  *config.ConfigurationError
		fe   *ics.FetchError
		pe   *ics.ParseError
		dup  *registry.DuplicateFeedError
		nf   *registry.NotFoundError
		qerr *query.QueryError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &cfg):
		return &Error{Code: CodeConfiguration, Message: cfg.Error(), Err: err}
	case errors.As(err, &fe):
		return &Error{Code: CodeFetch, Message: fe.Error(), Err: err}
	case errors.As(err, &pe):
		return &Error{Code: CodeParse, Message: pe.Error(), Err: err}
	case errors.As(err, &dup):
		return &Error{Code: CodeDuplicateFeed, Message: dup.Error(), Err: err}
	case errors.As(err, &nf):
		return &Error{Code: CodeNotFound, Message: nf.Error(), Err: err}
	case errors.As(err, &qerr):
		return &Error{Code: CodeQuery, Message: qerr.Error(), Err: err}
	default:
		return &Error{Code: CodeInternal, Message: err.Error(), Err: err}
	}
}

// wrap returns AsError(err) as an error, keeping nil a true nil.
func wrap(err error) error {
	if se := AsError(err); se != nil {
		return se
	}
	return nil
}
