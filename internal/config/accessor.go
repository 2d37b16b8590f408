package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Config fields are addressed by their json names joined with dots, e.g.
// "mailbox.watchIntervalSeconds". Fields tagged secret:"true" are masked by
// Sanitize.

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

// lookup walks cfg along path and returns the addressed field.
func lookup(cfg *Config, path string) (reflect.Value, error) {
	if path == "" {
		return reflect.Value{}, fmt.Errorf("empty path")
	}
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("%s: %s is not a section", path, key)
		}
		next, ok := fieldByJSON(v, key)
		if !ok {
			return reflect.Value{}, fmt.Errorf("key not found: %s", path)
		}
		v = next
	}
	return v, nil
}

func fieldByJSON(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		if jsonName(t.Field(i)) == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// GetByPath returns the value at path. Sections come back as structs.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookup(cfg, path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the type of the field at path. Only leaf
// values can be set.
func SetByPath(cfg *Config, path, raw string) error {
	v, err := lookup(cfg, path)
	if err != nil {
		return err
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s expects true or false, got %q", path, raw)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q", path, raw)
		}
		v.SetInt(n)
	default:
		return fmt.Errorf("%s is a %s, not a settable value", path, v.Kind())
	}
	return nil
}

// Sanitize returns a copy of cfg with secret fields masked. The original
// is not modified.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	maskSecrets(reflect.ValueOf(&out).Elem())
	return &out
}

func maskSecrets(v reflect.Value) {
	t := v.Type()
	for i := range t.NumField() {
		f := v.Field(i)
		switch {
		case f.Kind() == reflect.Struct:
			maskSecrets(f)
		case f.Kind() == reflect.String && t.Field(i).Tag.Get("secret") == "true":
			f.SetString(maskString(f.String()))
		}
	}
}

// maskString keeps the first and last four characters of long values.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collectLeaves("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func collectLeaves(prefix string, v reflect.Value, out map[string]any) {
	t := v.Type()
	for i := range t.NumField() {
		path := jsonName(t.Field(i))
		if prefix != "" {
			path = prefix + "." + path
		}
		if f := v.Field(i); f.Kind() == reflect.Struct {
			collectLeaves(path, f, out)
		} else {
			out[path] = f.Interface()
		}
	}
}
