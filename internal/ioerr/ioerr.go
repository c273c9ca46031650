// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package ioerr

import (
	"errors"
	"fmt"
	"io"
)

// EOFIsUnexpected converts [io.EOF] into [io.ErrUnexpectedEOF], which is
// useful when using [binary.Read] to decode parts of a structure that aren't
// at the start and where a [io.EOF] error is not expected.
//
// It can be called with a single error argument, or with a format string and
// arguments in the manner of [fmt.Errorf], in which case any [io.EOF] passed
// as an argument to a %w verb is converted first.
func EOFIsUnexpected(args ...any) error {
	switch {
	case len(args) > 1:
		format, ok := args[0].(string)
		if !ok {
			panic(fmt.Sprintf("expected a format string, got %T", args[0]))
		}
		fargs := args[1:]
		for i, a := range fargs {
			if err, isErr := a.(error); isErr && err == io.EOF {
				fargs[i] = io.ErrUnexpectedEOF
			}
		}
		return fmt.Errorf(format, fargs...)
	case len(args) == 1:
		switch err := args[0].(type) {
		case error:
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		case nil:
			return nil
		default:
			panic("invalid type")
		}
	default:
		panic("no arguments")
	}
}

// PassRawEOF converts any wrapped or unwrapped [io.EOF] into a plain
// [io.EOF], for functions whose callers treat EOF as a normal end condition.
func PassRawEOF(args ...any) error {
	switch {
	case len(args) > 1:
		format, ok := args[0].(string)
		if !ok {
			panic(fmt.Sprintf("expected a format string, got %T", args[0]))
		}
		return PassRawEOF(fmt.Errorf(format, args[1:]...))
	case len(args) == 1:
		switch err := args[0].(type) {
		case error:
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		case nil:
			return nil
		default:
			panic("invalid type")
		}
	default:
		panic("no arguments")
	}
}
