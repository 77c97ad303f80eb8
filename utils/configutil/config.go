// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when a chain of "extends" references loops back
// on itself.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// ValidationError wraps a validator.v2 field-error map so callers can ask
// which field failed, not just read a flattened message.
type ValidationError struct {
	errs validator.ErrorMap
}

func (v ValidationError) Error() string {
	return v.errs.Error()
}

// ErrForField returns the validation errors recorded against field, or
// nil if field passed validation.
func (v ValidationError) ErrForField(field string) validator.ErrorArray {
	return v.errs[field]
}

type extendsDoc struct {
	Extends string `yaml:"extends"`
}

func readExtends(filename string) (string, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filename, err)
	}
	var d extendsDoc
	if err := yaml.Unmarshal(b, &d); err != nil {
		return "", fmt.Errorf("parse %s: %w", filename, err)
	}
	return d.Extends, nil
}

// resolveExtends walks fpath's chain of "extends" references (each
// resolved, if relative, against the directory of the file that named
// it), returning the chain base-first so later files override earlier
// ones when merged in order. A file that extends something it (directly
// or transitively) already appears after in the chain is a cycle.
func resolveExtends(fpath string, getExtends func(string) (string, error)) ([]string, error) {
	visited := make(map[string]bool)
	var chain []string

	current := fpath
	for {
		if visited[current] {
			return nil, ErrCycleRef
		}
		visited[current] = true
		chain = append([]string{current}, chain...)

		target, err := getExtends(current)
		if err != nil {
			return nil, err
		}
		if target == "" {
			break
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(current), target)
		}
		current = target
	}
	return chain, nil
}

// loadFiles unmarshals each file in filenames into v in order (so later
// files in the slice override fields set by earlier ones), then validates
// the fully merged result exactly once.
func loadFiles(v interface{}, filenames []string) error {
	for _, fn := range filenames {
		b, err := os.ReadFile(fn)
		if err != nil {
			return fmt.Errorf("read %s: %w", fn, err)
		}
		if err := yaml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse %s: %w", fn, err)
		}
	}
	if err := validator.Validate(v); err != nil {
		if errs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errs: errs}
		}
		return err
	}
	return nil
}

// Load parses the YAML file at path into v, following any chain of
// "extends: <other file>" references (resolved relative to the extending
// file's directory) before validating the fully merged result against v's
// `validate` struct tags.
func Load(path string, v interface{}) error {
	filenames, err := resolveExtends(path, readExtends)
	if err != nil {
		return err
	}
	return loadFiles(v, filenames)
}
