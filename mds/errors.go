// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package mds

import (
	"errors"
	"fmt"
)

// Every gateway operation classifies its failures into exactly one of these
// sentinels so callers can dispatch without knowing the backing store.
// Anything that does not wrap one of them is a programmer error and is
// allowed to propagate fatally.
var (
	// ErrConflict indicates a conditional write lost a race: another
	// supervisor holds (or just took) the lock, or a record with the same
	// identifier already exists.
	ErrConflict = errors.New("mds: conflict")

	// ErrNotFound indicates the named record does not exist.
	ErrNotFound = errors.New("mds: not found")

	// ErrTransient indicates the store was unreachable or timed out. The
	// caller's tick loop is the retry mechanism.
	ErrTransient = errors.New("mds: transient failure")

	// ErrValidation indicates a record read from the store failed schema
	// validation. The offending record is skipped, never the whole call.
	ErrValidation = errors.New("mds: invalid record")

	// ErrLockLost indicates the stored worker field no longer names this
	// supervisor. The job must be dropped immediately.
	ErrLockLost = errors.New("mds: lock lost")
)

func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsTransient(err error) bool  { return errors.Is(err, ErrTransient) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsLockLost(err error) bool   { return errors.Is(err, ErrLockLost) }

// classifyTransient maps arbitrary store/transport errors onto ErrTransient
// unless they already carry a taxonomy sentinel. Context expiry counts as
// transient: the per-call deadline exists precisely so a wedged call
// surfaces as a retryable failure.
func classifyTransient(err error) error {
	if err == nil {
		return nil
	}
	if IsConflict(err) || IsNotFound(err) || IsValidation(err) || IsLockLost(err) || IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
