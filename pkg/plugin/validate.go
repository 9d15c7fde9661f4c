// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"fmt"
	"regexp"
)

// maxNameLength is the maximum allowed length for module names.
const maxNameLength = 64

// namePattern validates module names: must start with a letter, contain only
// letters, digits, '.', '_', '-', and not end with a separator.
var namePattern = regexp.MustCompile(`^[A-Za-z]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// ValidateName checks a module or dependency name.
func ValidateName(name string) error {
	if name == "" || !namePattern.MatchString(name) {
		return fmt.Errorf("name %q must start with a letter, contain only letters, digits, '.', '_', '-', and not end with a separator", name)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(name))
	}
	return nil
}

// Validate checks the identifying fields of a descriptor.
func Validate(d Descriptor) error {
	if d == nil {
		return fmt.Errorf("descriptor is nil")
	}
	if err := ValidateName(d.Name()); err != nil {
		return err
	}
	if d.Version() == nil {
		return fmt.Errorf("version is required")
	}
	seen := make(map[string]struct{})
	for _, dep := range d.Dependencies() {
		if err := ValidateName(dep); err != nil {
			return fmt.Errorf("dependency: %w", err)
		}
		if dep == d.Name() {
			return fmt.Errorf("module %q cannot depend on itself", dep)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("dependency %q listed more than once", dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}
