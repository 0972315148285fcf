// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"metaEmbed/internal/kvstore"
)

// ErrorKind classifies durability failures.
type ErrorKind uint8

const (
	// KindIO is an unrecoverable device or engine failure.
	KindIO ErrorKind = iota + 1
	// KindResourceExhausted is disk-full or a write stall; callers may retry.
	KindResourceExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// Error is a storage failure. It matches kvstore.ErrIO or
// kvstore.ErrResourceExhausted under errors.Is.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case kvstore.ErrIO:
		return e.Kind == KindIO
	case kvstore.ErrResourceExhausted:
		return e.Kind == KindResourceExhausted
	}
	return false
}

// Wrap classifies err from the underlying engine. Nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) ErrorKind {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return KindResourceExhausted
	}
	// RocksDB reports status codes as text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no space left"),
		strings.Contains(msg, "space limit"),
		strings.Contains(msg, "write stall"),
		strings.Contains(msg, "busy"),
		strings.Contains(msg, "tryagain"):
		return KindResourceExhausted
	}
	return KindIO
}
