package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// Interpolator resolves {{ ... }} template references in stage config values.
// References are dotted paths into the scope namespaces (variables, stages,
// run), optionally followed by a default filter:
//
//	{{ variables.project_name }}
//	{{ stages.gen_prd.output }}
//	{{ stages.build.artifacts[0] }}
//	{{ variables.branch | default: "main" }}
//
// Resolution is lazy: config trees keep their raw template text until the
// owning stage is dispatched, so templates always see the latest upstream
// results.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// ResolveValue walks a config value tree and resolves every string leaf.
// Maps and slices are rebuilt; non-string leaves pass through untouched.
func (interp *Interpolator) ResolveValue(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return interp.ResolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := interp.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := interp.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveString resolves all {{ ... }} tokens in a string. When the entire
// string is a single token, the referenced value is returned with its type
// intact (maps, slices, numbers). Otherwise each token is stringified and
// spliced into the surrounding text.
func (interp *Interpolator) ResolveString(input string, scope *Scope) (any, error) {
	if !strings.Contains(input, "{{") {
		return input, nil
	}

	// Whole-token case: "{{ expr }}" with nothing around it keeps the type.
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[2 : len(trimmed)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return interp.resolveExpr(strings.TrimSpace(inner), scope)
		}
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeUndefinedReference, "unclosed {{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeUndefinedReference, "empty template reference: {{ }}")
		}
		if strings.Contains(expr, "{{") {
			return nil, schema.NewError(schema.ErrCodeUndefinedReference,
				"nested interpolation not allowed: {{...}} cannot contain {{")
		}

		val, err := interp.resolveExpr(expr, scope)
		if err != nil {
			return nil, err
		}

		result.WriteString(stringifyInline(val))
		i = end + 2
	}

	return result.String(), nil
}

// resolveExpr resolves a single template expression, applying the optional
// default filter when the path cannot be resolved.
func (interp *Interpolator) resolveExpr(expr string, scope *Scope) (any, error) {
	path, defaultVal, hasDefault, err := splitDefaultFilter(expr)
	if err != nil {
		return nil, err
	}

	val, err := interp.resolvePath(path, scope)
	if err != nil {
		if hasDefault {
			return defaultVal, nil
		}
		return nil, err
	}
	if val == nil && hasDefault {
		return defaultVal, nil
	}
	return val, nil
}

// resolvePath resolves a dotted path rooted at one of the scope namespaces.
func (interp *Interpolator) resolvePath(path string, scope *Scope) (any, error) {
	parts := strings.SplitN(path, ".", 2)
	namespace := parts[0]

	var root map[string]any
	switch namespace {
	case "variables":
		root = scope.Variables
	case "stages":
		root = scope.Stages
	case "run":
		root = scope.Run
	default:
		available := []string{"variables", "stages", "run"}
		return nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"unknown namespace %q in {{%s}}; available: %s", namespace, path, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": path, "available_namespaces": available})
	}

	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"invalid reference %q: expected %s.<field>", path, namespace).
			WithDetails(map[string]any{"expression": path})
	}
	if root == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"cannot resolve %q: %s scope is empty", path, namespace).
			WithDetails(map[string]any{"expression": path})
	}

	// Direct key lookup first; supports keys containing dots.
	if val, ok := root[parts[1]]; ok {
		return val, nil
	}

	return traversePath(root, parts[1], path)
}

// traversePath navigates into nested maps/slices using a dot-delimited path.
// Segments may carry trailing [n] index accessors for slices.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		key, indices, err := splitIndexAccess(seg, expr)
		if err != nil {
			return nil, err
		}

		if key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
					"cannot traverse into non-object at %q in %q (type: %T)", key, expr, current).
					WithDetails(map[string]any{"expression": expr})
			}
			val, ok := m[key]
			if !ok {
				availableKeys := mapKeys(m)
				return nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
					"field %q not found in %q; available: [%s]", key, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		}

		for _, n := range indices {
			list, ok := toSlice(current)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
					"cannot index into non-array at %q in %q (type: %T)", seg, expr, current).
					WithDetails(map[string]any{"expression": expr})
			}
			if n < 0 || n >= len(list) {
				return nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
					"index %d out of range in %q (length %d)", n, expr, len(list)).
					WithDetails(map[string]any{"expression": expr})
			}
			current = list[n]
		}
	}

	return current, nil
}

// splitIndexAccess splits a path segment like "artifacts[0]" into the map key
// and any index accessors.
func splitIndexAccess(seg, expr string) (string, []int, error) {
	open := strings.IndexByte(seg, '[')
	if open == -1 {
		return seg, nil, nil
	}

	key := seg[:open]
	rest := seg[open:]

	var indices []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
				"malformed index accessor in %q", expr)
		}
		c := strings.IndexByte(rest, ']')
		if c == -1 {
			return "", nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
				"unclosed index accessor in %q", expr)
		}
		n, err := strconv.Atoi(rest[1:c])
		if err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeUndefinedReference,
				"non-numeric index %q in %q", rest[1:c], expr)
		}
		indices = append(indices, n)
		rest = rest[c+1:]
	}

	return key, indices, nil
}

func toSlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// splitDefaultFilter splits `path | default: <literal>` into the path and the
// parsed default literal. Quoted strings, numbers, booleans, and null are
// accepted as literals.
func splitDefaultFilter(expr string) (string, any, bool, error) {
	pipe := strings.Index(expr, "|")
	if pipe == -1 {
		return expr, nil, false, nil
	}

	path := strings.TrimSpace(expr[:pipe])
	filter := strings.TrimSpace(expr[pipe+1:])

	const prefix = "default:"
	if !strings.HasPrefix(filter, prefix) {
		return "", nil, false, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"unknown filter %q in {{%s}}; only 'default:' is supported", filter, expr).
			WithDetails(map[string]any{"expression": expr})
	}

	literal := strings.TrimSpace(filter[len(prefix):])
	if literal == "" {
		return "", nil, false, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"default filter in {{%s}} requires a literal value", expr)
	}

	val, err := parseLiteral(literal)
	if err != nil {
		return "", nil, false, schema.NewErrorf(schema.ErrCodeUndefinedReference,
			"invalid default literal %q in {{%s}}: %s", literal, expr, err.Error())
	}

	return path, val, true, nil
}

// parseLiteral parses a default-filter literal using JSON rules; bare words
// fall back to plain strings.
func parseLiteral(s string) (any, error) {
	if strings.HasPrefix(s, `"`) || strings.HasPrefix(s, `'`) {
		quote := s[0]
		if len(s) < 2 || s[len(s)-1] != quote {
			return nil, fmt.Errorf("unterminated string literal")
		}
		return s[1 : len(s)-1], nil
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	return s, nil
}

// stringifyInline converts a resolved value to its inline textual form for
// splicing into a surrounding string. Complex types are JSON-encoded.
func stringifyInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasTemplate checks whether a string contains any {{ ... }} references.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}
