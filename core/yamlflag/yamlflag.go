// Package yamlflag provides a command line flag that accepts a YAML document.
package yamlflag

import (
	"encoding/json"
	"flag"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"
)

// Validator checks a generic decoded document before it is decoded into the target struct.
type Validator func(doc any) error

// New creates a flag.Value that recognizes a YAML document.
//
// The YAML document can be specified directly on the command line:
//
//	--flag="key: value"
//
// Or it can be read from a file, when the flag value starts with '@':
//
//	--flag=@file.yaml
//
// value must be a pointer to a struct containing config sections.
// Panics if value is not a pointer.
func New(value any, validate Validator) flag.Getter {
	if val := reflect.ValueOf(value); val.Kind() != reflect.Pointer {
		panic(val.Kind())
	}
	return &yamlFlagValue{value, validate}
}

type yamlFlagValue struct {
	Value    any
	validate Validator
}

func (v *yamlFlagValue) Get() any {
	return v.Value
}

func (v *yamlFlagValue) Set(s string) error {
	return Load(s, v.Value, v.validate)
}

func (v *yamlFlagValue) String() string {
	if v == nil || v.Value == nil {
		return ""
	}
	j, _ := json.Marshal(v.Value)
	return string(j)
}

// Load decodes a YAML document, or "@" followed by a filename, into value.
// If validate is not nil, it is invoked on the generic form of the document first.
func Load(s string, value any, validate Validator) error {
	body := []byte(s)
	if len(s) >= 1 && s[0] == '@' {
		file, e := os.ReadFile(s[1:])
		if e != nil {
			return e
		}
		body = file
	}

	if validate != nil {
		var doc any
		if e := yaml.Unmarshal(body, &doc); e != nil {
			return e
		}
		if doc == nil {
			doc = map[string]any{}
		}
		if e := validate(doc); e != nil {
			return e
		}
	}
	return yaml.Unmarshal(body, value)
}
