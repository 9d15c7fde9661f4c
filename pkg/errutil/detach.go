// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil

import "errors"

// Detach hides err's oops attributes from an enclosing oops error so the
// enclosing error's code is the one reported. errors.Is still matches
// through the returned error.
//
//	oops.Code("START_FAILED").Wrap(errutil.Detach(moduleErr))
func Detach(err error) error {
	if err == nil {
		return nil
	}
	return detached{err: err}
}

type detached struct {
	err error
}

func (d detached) Error() string { return d.err.Error() }

func (d detached) Is(target error) bool { return errors.Is(d.err, target) }
