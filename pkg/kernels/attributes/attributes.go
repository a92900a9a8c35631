// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attributes parses operator attributes from settings strings into configuration structs.
//
// The settings are a list separated by ";", e.g.: "epsilon=0.5;blocks=1,3,3;use_unshared_regions=true".
// A setting of the form "file:<path>" reads more settings from the file, one or more per line, ignoring
// empty lines and lines starting with "#".
//
// The target is a pointer to a struct whose fields are tagged with the attribute name, e.g.:
//
//	type Config struct {
//		Epsilon float64 `attr:"epsilon"`
//		Blocks  []int   `attr:"blocks"`
//	}
//
// Fields of embedded structs are included. Supported field types are bool, int, float64, string, []int and
// []float64. For integers "_" can be used as a separator (1_000 = 1000), and floats accept "inf" and "-inf".
// Lists are separated by ",".
package attributes

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/simnets/pkg/support/fsutil"
	"github.com/gomlx/simnets/pkg/support/xslices"
	"github.com/pkg/errors"
)

// TagName is the struct tag holding the attribute name of a field.
const TagName = "attr"

// fields maps attribute names to the corresponding (settable) field values of the struct pointed by target.
func fields(target any) (map[string]reflect.Value, []string, error) {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil, nil, errors.Errorf("attributes target must be a non-nil pointer to a struct, got %T", target)
	}
	byName := make(map[string]reflect.Value)
	var names []string
	var collect func(s reflect.Value)
	collect = func(s reflect.Value) {
		st := s.Type()
		for ii := range st.NumField() {
			field := st.Field(ii)
			if field.Anonymous && field.Type.Kind() == reflect.Struct {
				collect(s.Field(ii))
				continue
			}
			name := field.Tag.Get(TagName)
			if name == "" || name == "-" || !field.IsExported() {
				continue
			}
			byName[name] = s.Field(ii)
			names = append(names, name)
		}
	}
	collect(v.Elem())
	return byName, names, nil
}

// Names returns the attribute names of the struct pointed by target, in field order.
func Names(target any) []string {
	_, names, err := fields(target)
	if err != nil {
		return nil
	}
	return names
}

// Parse the settings into the struct pointed by target. Attributes not mentioned in settings are left
// untouched, so target should be initialized with the defaults.
//
// It returns an error for unknown attributes or values that can't be parsed.
func Parse(settings string, target any) error {
	byName, _, err := fields(target)
	if err != nil {
		return err
	}
	for _, setting := range strings.Split(settings, ";") {
		if err := parseSetting(byName, setting); err != nil {
			return err
		}
	}
	return nil
}

func parseSetting(byName map[string]reflect.Value, setting string) error {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err := fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				if err := parseSetting(byName, lineSetting); err != nil {
					return errors.WithMessagef(err, "in settings file %q", filePath)
				}
			}
		}
		return nil
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return errors.Errorf("can't parse setting %q: each setting requires the format \"<attribute>=<value>\"", setting)
	}
	name, valueStr = strings.TrimSpace(name), strings.TrimSpace(valueStr)
	field, found := byName[name]
	if !found {
		known := make([]string, 0, len(byName))
		for key := range byName {
			known = append(known, key)
		}
		slices.Sort(known)
		return errors.Errorf("unknown attribute %q, known attributes are %v", name, known)
	}
	if err := setValue(field, valueStr); err != nil {
		return errors.Wrapf(err, "failed to parse value %q for attribute %q", valueStr, name)
	}
	return nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), "_", ""), 10, 0)
	return int(v), err
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// parseList parses a comma-separated list. An empty string is an empty list.
func parseList[T any](valueStr string, parseFn func(string) (T, error)) (list []T, err error) {
	if valueStr == "" {
		return []T{}, nil
	}
	list = xslices.Map(strings.Split(valueStr, ","), func(str string) T {
		value, newErr := parseFn(str)
		if newErr != nil && err == nil {
			err = newErr
		}
		return value
	})
	return
}

func setValue(field reflect.Value, valueStr string) error {
	switch field.Interface().(type) {
	case bool:
		v, err := strconv.ParseBool(valueStr)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case int:
		v, err := parseInt(valueStr)
		if err != nil {
			return err
		}
		field.SetInt(int64(v))
	case float64:
		v, err := parseFloat(valueStr)
		if err != nil {
			return err
		}
		field.SetFloat(v)
	case string:
		field.SetString(valueStr)
	case []int:
		v, err := parseList(valueStr, parseInt)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(v))
	case []float64:
		v, err := parseList(valueStr, parseFloat)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(v))
	default:
		return errors.Errorf("don't know how to parse type %s", field.Type())
	}
	return nil
}

// Format returns the attributes of the struct pointed by source as a settings string that Parse accepts.
func Format(source any) string {
	byName, names, err := fields(source)
	if err != nil {
		return ""
	}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+formatValue(byName[name]))
	}
	return strings.Join(parts, ";")
}

func formatValue(field reflect.Value) string {
	switch v := field.Interface().(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []int:
		return strings.Join(xslices.Map(v, strconv.Itoa), ",")
	case []float64:
		return strings.Join(xslices.Map(v, func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }), ",")
	default:
		return fmt.Sprint(v)
	}
}
