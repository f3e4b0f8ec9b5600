package main

import (
	stdliberrors "errors"

	"github.com/odvcencio/swarmchat/pkg/errors"
)

const (
	exitFailure   = 1
	exitUsage     = 2
	exitTransport = 3
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit code, then the error's category.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if stdliberrors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeUserInput, errors.ErrCodeConfigInvalid, errors.ErrCodeConfigParse:
		return exitUsage
	case errors.ErrCodeTransport:
		return exitTransport
	}
	return exitFailure
}
