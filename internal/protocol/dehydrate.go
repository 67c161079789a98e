package protocol

import (
	"fmt"
	"reflect"
	"sort"

	socket "github.com/TopGunBuild/socket-sub001"
)

type namedError interface {
	ErrorName() string
}

type propsError interface {
	ErrorProps() map[string]any
}

// Dehydrate strips err to a transmissible {name, message, ...props} object.
// Cyclic or shared sub-objects are replaced with {"$ref": path} pointing at
// their first occurrence.
func Dehydrate(err error) map[string]any {
	if err == nil {
		return nil
	}
	out := map[string]any{
		"name":    "Error",
		"message": err.Error(),
	}
	if ne, ok := err.(namedError); ok && ne.ErrorName() != "" {
		out["name"] = ne.ErrorName()
	}
	if pe, ok := err.(propsError); ok {
		d := &decycler{seen: make(map[uintptr]string)}
		props := pe.ErrorProps()
		for _, k := range sortedKeys(props) {
			if k == "name" || k == "message" {
				continue
			}
			out[k] = d.walk(props[k], fmt.Sprintf("$[%q]", k))
		}
	}
	return out
}

// Hydrate rebuilds a fault from its dehydrated form. Path references are kept
// as-is; cycles are not reconstructed.
func Hydrate(v any) error {
	switch d := v.(type) {
	case nil:
		return nil
	case error:
		return d
	case string:
		return &socket.HydratedError{Name: "Error", Message: d}
	case map[string]any:
		he := &socket.HydratedError{Name: "Error"}
		if n, ok := d["name"].(string); ok && n != "" {
			he.Name = n
		}
		if m, ok := d["message"].(string); ok {
			he.Message = m
		}
		for k, val := range d {
			if k == "name" || k == "message" {
				continue
			}
			if he.Props == nil {
				he.Props = make(map[string]any)
			}
			he.Props[k] = val
		}
		return he
	default:
		return &socket.HydratedError{Name: "Error", Message: fmt.Sprint(v)}
	}
}

type decycler struct {
	seen map[uintptr]string
}

func (d *decycler) walk(v any, path string) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		ptr := reflect.ValueOf(val).Pointer()
		if ref, ok := d.seen[ptr]; ok {
			return map[string]any{"$ref": ref}
		}
		d.seen[ptr] = path
		out := make(map[string]any, len(val))
		for _, k := range sortedKeys(val) {
			out[k] = d.walk(val[k], fmt.Sprintf("%s[%q]", path, k))
		}
		return out
	case []any:
		if val == nil {
			return val
		}
		ptr := reflect.ValueOf(val).Pointer()
		if ref, ok := d.seen[ptr]; ok && len(val) > 0 {
			return map[string]any{"$ref": ref}
		}
		if len(val) > 0 {
			d.seen[ptr] = path
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = d.walk(item, fmt.Sprintf("%s[%d]", path, i))
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
