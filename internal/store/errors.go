// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package store

import (
	"errors"

	pserr "github.com/partscout/partscout/pkg/errors"
)

// Sentinel errors for store operations. Backends wrap them with a coded
// error so both errors.Is and the pserr classifiers work.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDatabase     = errors.New("database error")
)

// NotFound wraps ErrNotFound with the store not-found code.
func NotFound(msg string, fields ...pserr.Attr) error {
	return pserr.Wrap(ErrNotFound, pserr.CodeStoreNotFound, msg, fields...)
}

// InvalidInput wraps ErrInvalidInput with the store invalid-input code.
func InvalidInput(msg string, fields ...pserr.Attr) error {
	return pserr.Wrap(ErrInvalidInput, pserr.CodeStoreInvalidInput, msg, fields...)
}

// Database wraps a backend failure with the database failure code while
// keeping both the cause and ErrDatabase reachable through errors.Is.
func Database(err error, msg string, fields ...pserr.Attr) error {
	if err == nil {
		return nil
	}
	return pserr.Wrap(errors.Join(ErrDatabase, err), pserr.CodeStoreDatabaseFailure, msg, fields...)
}
