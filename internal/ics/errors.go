package ics

import (
	"fmt"
	"strconv"
)

// FetchErrorKind classifies why a feed could not be fetched.
type FetchErrorKind string

const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchNetwork    FetchErrorKind = "network"
	FetchHTTPStatus FetchErrorKind = "http_status"
)

// FetchError is returned by Fetcher.Fetch. URL is already redacted.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPStatus {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Reason is the short form used in refresh reports, e.g. "timeout" or
// "http_status 503".
func (e *FetchError) Reason() string {
	if e.Kind == FetchHTTPStatus {
		return string(e.Kind) + " " + strconv.Itoa(e.StatusCode)
	}
	return string(e.Kind)
}

// ParseErrorKind classifies why a feed document could not be parsed.
type ParseErrorKind string

const (
	ParseMalformed ParseErrorKind = "malformed"
	ParseEmpty     ParseErrorKind = "empty"
)

// ParseError is returned by Parse.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: %s document: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("parse: %s document", e.Kind)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Reason is the short form used in refresh reports.
func (e *ParseError) Reason() string {
	return "parse_" + string(e.Kind)
}
