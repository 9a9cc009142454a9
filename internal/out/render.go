// Package out renders command envelopes as JSON or as plain key=value lines.
package out

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/ggonzalez94/stakechat/internal/model"
)

const (
	ModeJSON  = "json"
	ModePlain = "plain"
)

type Options struct {
	Mode string
	// Fields keeps only these top-level keys of each data item.
	Fields []string
	// ResultsOnly drops the envelope and prints the data alone.
	ResultsOnly bool
}

func Render(w io.Writer, env model.Envelope, opts Options) error {
	data := env.Data
	if len(opts.Fields) > 0 {
		data = project(data, opts.Fields)
	}

	if opts.ResultsOnly {
		if opts.Mode == ModePlain {
			return renderPlain(w, data)
		}
		return writeJSON(w, data)
	}

	if opts.Mode != ModePlain {
		env.Data = data
		return writeJSON(w, env)
	}

	plain := map[string]any{
		"success": env.Success,
		"data":    data,
		"meta":    env.Meta,
	}
	if len(env.Warnings) > 0 {
		plain["warnings"] = env.Warnings
	}
	if env.Error != nil {
		plain["error"] = env.Error
	}
	return renderPlain(w, plain)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPlain prints one line per slice element, or one line for anything
// else. Nested objects are flattened to dotted keys.
func renderPlain(w io.Writer, data any) error {
	v := reflect.ValueOf(data)
	if !v.IsValid() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		if v.Len() == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if _, err := fmt.Fprintln(w, line(normalize(v.Index(i).Interface()))); err != nil {
				return err
			}
		}
		return nil
	}
	_, err := fmt.Fprintln(w, line(normalize(data)))
	return err
}

func project(data any, fields []string) any {
	switch t := normalize(data).(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, pick(m, fields))
			}
		}
		return out
	case map[string]any:
		return pick(t, fields)
	default:
		return t
	}
}

func pick(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	return out
}

// normalize round-trips v through JSON so structs honour their tags.
func normalize(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

func line(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		buf, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(buf)
	}
	flat := map[string]string{}
	flatten("", m, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+flat[k])
	}
	return strings.Join(parts, " ")
}

func flatten(prefix string, m map[string]any, dst map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			if len(t) == 0 {
				dst[key] = "{}"
				continue
			}
			flatten(key, t, dst)
		case []any:
			buf, _ := json.Marshal(t)
			dst[key] = string(buf)
		case string:
			if strings.ContainsAny(t, " \t\n\"") {
				dst[key] = fmt.Sprintf("%q", t)
			} else {
				dst[key] = t
			}
		case nil:
			dst[key] = "null"
		default:
			dst[key] = fmt.Sprint(t)
		}
	}
}
