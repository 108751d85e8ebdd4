package strategy

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// flagArgs reflects over s and emits a flat argv slice, one `flag` tag's
// value per exported field, skipping zero fields unless the tag carries a
// ",keepzero" suffix. bwrap's two-token bind flags (`--ro-bind SRC DEST`)
// don't fit this one-value-per-slice-element shape, so those are built by
// bindArgs instead and appended after flagArgs' output.
func flagArgs[T any](s T) []string {
	var ret []string
	sv := reflect.ValueOf(s)
	st := sv.Type()
	if st.Kind() == reflect.Pointer {
		sv = reflect.Indirect(sv)
		st = sv.Type()
	}
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		fv := sv.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			ret = append(ret, flagArgs(fv.Interface())...)
			continue
		}
		tag, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		parts := strings.Split(tag, ",")
		flagName := parts[0]
		keepZero := len(parts) > 1 && strings.EqualFold(parts[1], "keepzero")
		if !keepZero && fv.IsZero() {
			continue
		}

		switch field.Type.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < fv.Len(); i++ {
				ret = append(ret, flagName, fmt.Sprintf("%v", fv.Index(i)))
			}
		case reflect.Map:
			m := fv.Interface().(map[string]string)
			for _, k := range slices.Sorted(maps.Keys(m)) {
				ret = append(ret, flagName, fmt.Sprintf("%s=%s", k, m[k]))
			}
		case reflect.Bool:
			ret = append(ret, flagName)
		default:
			ret = append(ret, flagName, fmt.Sprintf("%v", fv.Interface()))
		}
	}
	return ret
}

// bindArgs emits a two-token bind flag (`--ro-bind SRC DEST` or
// `--bind SRC DEST`, chosen per mount's ReadOnly field) per mount, in
// declaration order.
func bindArgs(mounts []BindMount) []string {
	ret := make([]string, 0, len(mounts)*3)
	for _, m := range mounts {
		flag := "--bind"
		if m.ReadOnly {
			flag = "--ro-bind"
		}
		ret = append(ret, flag, m.Source, m.Target)
	}
	return ret
}
