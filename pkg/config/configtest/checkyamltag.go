package configtest

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

// CheckYAMLTags walks the type of config and reports every exported field that would be
// written out with its zero value, or that lacks an explicit snake_case key.
func CheckYAMLTags(config any) error {
	w := &tagWalker{seen: map[reflect.Type]struct{}{}}
	w.walk(reflect.TypeOf(config))
	return w.errs
}

type tagWalker struct {
	seen map[reflect.Type]struct{}
	errs error
}

func (w *tagWalker) walk(t reflect.Type) {
	if _, ok := w.seen[t]; ok {
		return
	}
	w.seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		w.walk(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Tag.Get("config") == "allowempty" {
				continue
			}
			w.checkField(t, field)
			w.walk(field.Type)
		}
	}
}

func (w *tagWalker) checkField(parent reflect.Type, field reflect.StructField) {
	parts := strings.Split(field.Tag.Get("yaml"), ",")
	name, opts := parts[0], parts[1:]
	if name == "-" {
		return
	}
	where := fmt.Sprintf("%s/%s.%s", parent.PkgPath(), parent.Name(), field.Name)

	if slices.Contains(opts, "inline") {
		return
	}
	if name == "" || name != strings.ToLower(name) || strings.Contains(name, "-") {
		w.errs = multierr.Append(w.errs, fmt.Errorf("%s needs a snake_case yaml key, got %q", where, name))
	}
	// false is the zero value of every flag, writing it out is harmless
	if field.Type.Kind() != reflect.Bool && !slices.Contains(opts, "omitempty") {
		w.errs = multierr.Append(w.errs, fmt.Errorf("%s missing omitempty tag", where))
	}
}
