package script

import (
	"strings"

	"github.com/risor-io/risor/object"
)

// ToGo converts a risor object into plain Go values: int64, float64,
// string, bool, time.Time, []any and map[string]any. Sets become lists.
// Anything else is returned in its inspected string form.
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case nil, *object.NilType:
		return nil
	case *object.List:
		return convertAll(o.Value())
	case *object.Set:
		items := make([]object.Object, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, item)
		}
		return convertAll(items)
	case *object.Map:
		m := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			m[key] = ToGo(value)
		}
		return m
	case *object.String, *object.Int, *object.Float, *object.Bool, *object.Time:
		return obj.Interface()
	}
	return obj.Inspect()
}

func convertAll(items []object.Object) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = ToGo(item)
	}
	return out
}

// Truthy reports whether a condition result passes. Risor's own truthiness
// applies, except that the string "false" in any case is false too, since
// conditions are often built from templated text.
func Truthy(obj object.Object) bool {
	if obj == nil {
		return false
	}
	if s, ok := obj.(*object.String); ok && strings.EqualFold(s.Value(), "false") {
		return false
	}
	return obj.IsTruthy()
}

// Builtins exposed to conditions, templates and script steps. None of them
// perform I/O or read the clock.
var (
	conversionBuiltins = []string{"bool", "byte", "bytes", "float", "float_slice", "int", "list", "map", "set", "string"}
	collectionBuiltins = []string{"all", "any", "chunk", "iter", "keys", "len", "reversed", "sorted"}
	utilityBuiltins    = []string{"call", "coalesce", "decode", "encode", "error", "errorf", "getattr", "is_hashable", "sprintf", "try", "type"}
	moduleBuiltins     = []string{"base64", "errors", "filepath", "fmt", "json", "math", "regexp", "strings"}
)

var safeBuiltins = func() map[string]struct{} {
	set := map[string]struct{}{}
	for _, group := range [][]string{conversionBuiltins, collectionBuiltins, utilityBuiltins, moduleBuiltins} {
		for _, name := range group {
			set[name] = struct{}{}
		}
	}
	return set
}()

// IsSafeBuiltin reports whether name is exposed to scripts
func IsSafeBuiltin(name string) bool {
	_, ok := safeBuiltins[name]
	return ok
}
