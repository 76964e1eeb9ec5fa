package serialize

import (
	"encoding/base64"
	"errors"
	"fmt"
	"go/token"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"time"
)

// identity keys a reference value by type and address so that distinct
// types sharing an address (a struct and its first field) do not collide.
type identity struct {
	typ reflect.Type
	ptr uintptr
	len int
}

var timeType = reflect.TypeOf(time.Time{})

func probeReflect(v any) Shape {
	if v == nil {
		return Shape{Kind: KindPrimitive}
	}
	switch x := v.(type) {
	case time.Time:
		return Shape{Kind: KindDate, Text: x.UTC().Format(time.RFC3339Nano)}
	case *time.Time:
		if x == nil {
			return Shape{Kind: KindPrimitive}
		}
		return Shape{Kind: KindDate, Text: x.UTC().Format(time.RFC3339Nano)}
	case []byte:
		return Shape{Kind: KindPrimitive, Scalar: base64.StdEncoding.EncodeToString(x)}
	case error:
		return errorShape(x)
	case fmt.Stringer:
		// Only plain value types with a String method are rendered as text;
		// containers keep their structure.
		rv := reflect.ValueOf(v)
		if k := rv.Kind(); k != reflect.Struct && k != reflect.Pointer && k != reflect.Map && k != reflect.Slice {
			return Shape{Kind: KindPrimitive, Scalar: x.String()}
		}
	}
	return probeValue(reflect.ValueOf(v))
}

func probeValue(rv reflect.Value) Shape {
	switch rv.Kind() {
	case reflect.Invalid:
		return Shape{Kind: KindPrimitive}
	case reflect.Bool:
		return Shape{Kind: KindPrimitive, Scalar: rv.Bool()}
	case reflect.String:
		return Shape{Kind: KindPrimitive, Scalar: rv.String()}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Shape{Kind: KindPrimitive, Scalar: rv.Int()}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Shape{Kind: KindPrimitive, Scalar: rv.Uint()}
	case reflect.Float32, reflect.Float64:
		return Shape{Kind: KindPrimitive, Scalar: rv.Float()}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Shape{Kind: KindPrimitive}
		}
		elem := rv.Elem()
		s := probeReflect(elem.Interface())
		if rv.Kind() == reflect.Pointer && s.ID == nil && (s.Kind == KindMapping || s.Kind == KindSequence) {
			s.ID = identity{typ: rv.Type(), ptr: rv.Pointer()}
		}
		return s
	case reflect.Func:
		if rv.IsNil() {
			return Shape{Kind: KindPrimitive}
		}
		return Shape{Kind: KindFunction, Text: funcSignature(rv)}
	case reflect.Slice:
		if rv.IsNil() {
			return Shape{Kind: KindPrimitive}
		}
		return sequenceShape(rv, identity{typ: rv.Type(), ptr: rv.Pointer(), len: rv.Len()})
	case reflect.Array:
		return sequenceShape(rv, nil)
	case reflect.Map:
		if rv.IsNil() {
			return Shape{Kind: KindPrimitive}
		}
		return mapShape(rv)
	case reflect.Struct:
		if rv.Type() == timeType {
			return Shape{Kind: KindDate, Text: rv.Interface().(time.Time).UTC().Format(time.RFC3339Nano)}
		}
		return structShape(rv)
	default:
		// chan, complex, unsafe pointers.
		return Shape{Kind: KindUnknown, Text: fmt.Sprintf("%v", rv.Interface())}
	}
}

func sequenceShape(rv reflect.Value, id any) Shape {
	s := Shape{Kind: KindSequence, Len: rv.Len(), Index: func(i int) (any, error) {
		return rv.Index(i).Interface(), nil
	}}
	if id != nil {
		s.ID = id
	}
	return s
}

func mapShape(rv reflect.Value) Shape {
	index := make(map[string]reflect.Value, rv.Len())
	keys := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := fmt.Sprint(iter.Key().Interface())
		if _, dup := index[k]; !dup {
			keys = append(keys, k)
		}
		index[k] = iter.Value()
	}
	sort.Strings(keys)
	return Shape{
		Kind: KindMapping,
		ID:   identity{typ: rv.Type(), ptr: rv.Pointer()},
		Keys: keys,
		Field: func(key string) (any, error) {
			return index[key].Interface(), nil
		},
	}
}

func structShape(rv reflect.Value) Shape {
	t := rv.Type()
	keys := make([]string, 0, t.NumField())
	fields := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		if _, dup := fields[name]; dup {
			continue
		}
		fields[name] = i
		keys = append(keys, name)
	}
	return Shape{
		Kind: KindMapping,
		Keys: keys,
		Field: func(key string) (any, error) {
			i, ok := fields[key]
			if !ok {
				return nil, fmt.Errorf("no field %q", key)
			}
			return rv.Field(i).Interface(), nil
		},
	}
}

func errorShape(err error) Shape {
	s := Shape{
		Kind: KindError,
		Name: errorName(err),
		Text: err.Error(),
	}
	if cause := errors.Unwrap(err); cause != nil {
		s.Keys = []string{"cause"}
		s.Field = func(string) (any, error) { return cause, nil }
	}
	rv := reflect.ValueOf(err)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		s.ID = identity{typ: rv.Type(), ptr: rv.Pointer()}
	}
	return s
}

// errorName reports the error's type. Unexported types from the standard
// library (errors.errorString, fmt.wrapError) are just "Error".
func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return reflect.TypeOf(err).String()
	}
	if !token.IsExported(t.Name()) && isStdlib(t.PkgPath()) {
		return "Error"
	}
	return t.String()
}

// isStdlib treats import paths without a dot in the first element as
// standard library packages.
func isStdlib(pkgPath string) bool {
	first, _, _ := strings.Cut(pkgPath, "/")
	return pkgPath != "" && !strings.Contains(first, ".")
}

func funcSignature(rv reflect.Value) string {
	sig := rv.Type().String()
	if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
		name := fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		return name + " " + strings.TrimPrefix(sig, "func")
	}
	return sig
}
