// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginrpc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

var errNilImpl = errors.New("pluginrpc: plugin implementation is nil")

// Message field names.
const (
	FieldName         = "name"
	FieldDescription  = "description"
	FieldVersion      = "version"
	FieldDependencies = "dependencies"
	FieldServices     = "services"
	FieldKey          = "key"
	FieldValue        = "value"
	FieldCallable     = "callable"
	FieldError        = "error"
	FieldMigration    = "migration"
	FieldShutdown     = "shutdown"
	FieldService      = "service"
	FieldArgs         = "args"
	FieldResults      = "results"
)

// ServiceInfo describes one service a binary module exposes.
type ServiceInfo struct {
	Key string
	// Value is set for plain data services.
	Value any
	// Callable services are invoked through Call.
	Callable bool
}

// Description is the Describe response.
type Description struct {
	Name         string
	Description  string
	Version      string
	Dependencies []string
	Services     []ServiceInfo
}

// Encode converts d into a Struct. Service values must be representable
// as protobuf Values.
func (d Description) Encode() (*structpb.Struct, error) {
	deps := make([]any, len(d.Dependencies))
	for i, dep := range d.Dependencies {
		deps[i] = dep
	}
	services := make([]any, len(d.Services))
	for i, s := range d.Services {
		entry := map[string]any{FieldKey: s.Key, FieldCallable: s.Callable}
		if !s.Callable {
			entry[FieldValue] = s.Value
		}
		services[i] = entry
	}
	out, err := structpb.NewStruct(map[string]any{
		FieldName:         d.Name,
		FieldDescription:  d.Description,
		FieldVersion:      d.Version,
		FieldDependencies: deps,
		FieldServices:     services,
	})
	if err != nil {
		return nil, fmt.Errorf("encode description: %w", err)
	}
	return out, nil
}

// DecodeDescription reads a Describe response.
func DecodeDescription(s *structpb.Struct) (Description, error) {
	m := s.AsMap()
	var d Description
	var ok bool
	if d.Name, ok = m[FieldName].(string); !ok || d.Name == "" {
		return d, errors.New("description has no name")
	}
	d.Description, _ = m[FieldDescription].(string)
	d.Version, _ = m[FieldVersion].(string)

	if raw, present := m[FieldDependencies]; present && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return d, errors.New("dependencies must be a list")
		}
		for i, item := range list {
			name, ok := item.(string)
			if !ok {
				return d, fmt.Errorf("dependencies[%d] must be a string", i)
			}
			d.Dependencies = append(d.Dependencies, name)
		}
	}

	if raw, present := m[FieldServices]; present && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return d, errors.New("services must be a list")
		}
		for i, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				return d, fmt.Errorf("services[%d] must be an object", i)
			}
			key, _ := entry[FieldKey].(string)
			if key == "" {
				return d, fmt.Errorf("services[%d] has no key", i)
			}
			callable, _ := entry[FieldCallable].(bool)
			d.Services = append(d.Services, ServiceInfo{Key: key, Value: entry[FieldValue], Callable: callable})
		}
	}
	return d, nil
}

// Status builds a reply carrying err (nil for success) plus extra fields.
func Status(err error, extra map[string]any) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(extra)+1)
	for k, v := range extra {
		val, convErr := structpb.NewValue(v)
		if convErr != nil {
			val = structpb.NewStringValue(fmt.Sprint(v))
		}
		fields[k] = val
	}
	if err != nil {
		fields[FieldError] = structpb.NewStringValue(err.Error())
	}
	return &structpb.Struct{Fields: fields}
}

// StatusError returns the in-band module error carried by a reply.
func StatusError(s *structpb.Struct) error {
	if s == nil {
		return nil
	}
	v, ok := s.GetFields()[FieldError]
	if !ok {
		return nil
	}
	return errors.New(v.GetStringValue())
}

// Bool reads a boolean field, defaulting to false.
func Bool(s *structpb.Struct, field string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[field].GetBoolValue()
}

// String reads a string field, defaulting to "".
func String(s *structpb.Struct, field string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[field].GetStringValue()
}

// List reads a list field as Go values.
func List(s *structpb.Struct, field string) []any {
	if s == nil {
		return nil
	}
	l := s.GetFields()[field].GetListValue()
	if l == nil {
		return nil
	}
	return l.AsSlice()
}

// Request builds a request Struct. Values that cannot be encoded fail.
func Request(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}
