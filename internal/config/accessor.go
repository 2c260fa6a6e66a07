package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrUnknownKey is returned for a dotted path that names no config field.
var ErrUnknownKey = errors.New("unknown config key")

// Entry is one leaf setting as shown by `wagpt config list`.
type Entry struct {
	Path  string
	Value any
}

// GetByPath returns the value at a dotted json path such as
// "completion.model". Section paths return the whole section struct.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookup(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses value into the type of the field at path. Only leaf keys
// can be set.
func SetByPath(cfg *Config, path, value string) error {
	v, err := lookup(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return err
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected true or false, got %q", path, value)
		}
		v.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: expected an integer, got %q", path, value)
		}
		v.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: expected a number, got %q", path, value)
		}
		v.SetFloat(f)
	case reflect.Struct:
		return fmt.Errorf("%s is a section, set one of its keys", path)
	default:
		return fmt.Errorf("%s: unsupported type %s", path, v.Type())
	}
	return nil
}

// Sanitize returns a copy of the config with fields tagged secret:"true"
// masked. Unexpanded ${VAR} references are left readable.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	walk(reflect.ValueOf(&out).Elem(), "", func(_ string, f reflect.StructField, v reflect.Value) {
		if f.Tag.Get("secret") != "true" || v.Kind() != reflect.String {
			return
		}
		if s := v.String(); s != "" && !isEnvReference(s) {
			v.SetString(maskString(s))
		}
	})
	return &out
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func isEnvReference(s string) bool {
	loc := envVarPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// ListPaths returns every settable key of the sanitized config in
// declaration order.
func ListPaths(cfg *Config) []Entry {
	var entries []Entry
	walk(reflect.ValueOf(Sanitize(cfg)).Elem(), "", func(path string, _ reflect.StructField, v reflect.Value) {
		entries = append(entries, Entry{Path: path, Value: v.Interface()})
	})
	return entries
}

// walk calls fn for every non-struct field below v.
func walk(v reflect.Value, prefix string, fn func(path string, f reflect.StructField, v reflect.Value)) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		path := jsonName(f)
		if prefix != "" {
			path = prefix + "." + path
		}
		if fv := v.Field(i); fv.Kind() == reflect.Struct {
			walk(fv, path, fn)
		} else {
			fn(path, f, fv)
		}
	}
}

func lookup(v reflect.Value, path string) (reflect.Value, error) {
	if path == "" {
		return reflect.Value{}, errors.New("empty config path")
	}
	for _, key := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownKey, path)
		}
		found := false
		for i := range v.NumField() {
			if f := v.Type().Field(i); f.IsExported() && jsonName(f) == key {
				v, found = v.Field(i), true
				break
			}
		}
		if !found {
			return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownKey, path)
		}
	}
	return v, nil
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}
