package config

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConfigFile is returned when none of the candidate
	// configuration locations exist.
	ErrNoConfigFile = errors.New("no configuration file found")

	// ErrProfileNotFound is returned by Lookup for an unknown profile name.
	ErrProfileNotFound = errors.New("profile not found")
)

// ParseError wraps a syntax error in the configuration file.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DuplicateProfileError reports two profile tables sharing one name.
type DuplicateProfileError struct {
	Name string
}

func (e *DuplicateProfileError) Error() string {
	return fmt.Sprintf("duplicate profile %q", e.Name)
}

// MissingFieldError reports a profile missing a required field.
type MissingFieldError struct {
	Profile string
	Field   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("profile %q: missing required field %q", e.Profile, e.Field)
}

// InvalidFieldError reports a field whose value violates a load-time
// constraint, such as a staging path overlapping the sync paths.
type InvalidFieldError struct {
	Profile string
	Field   string
	Reason  string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("profile %q: invalid %q: %s", e.Profile, e.Field, e.Reason)
}
