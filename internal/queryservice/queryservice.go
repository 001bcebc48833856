// Package queryservice executes the named, parameterized read queries
// plugins declare. Parameters are validated and coerced against the
// declaration and bound as SQL placeholders; user input never reaches SQL
// text. The same declarations double as the tool catalog for agent
// integrations.
package queryservice

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

// MethodRef identifies one query method of one plugin.
type MethodRef struct {
	Plugin string             `json:"plugin"`
	Method plugin.QueryMethod `json:"method"`
}

// ToolDef is the agent-facing description of one query method.
type ToolDef struct {
	Name        string              `json:"name"` // "<plugin>.<method>"
	Description string              `json:"description"`
	Params      []plugin.QueryParam `json:"params"`
}

// Service resolves and executes declared query methods.
type Service struct {
	registry *plugin.Registry
	store    *marketstore.Store
	log      zerolog.Logger
}

// NewService creates a query service.
func NewService(registry *plugin.Registry, store *marketstore.Store, log zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		store:    store,
		log:      log.With().Str("component", "queryservice").Logger(),
	}
}

// Methods lists every declared query method in plugin dependency order.
func (s *Service) Methods() []MethodRef {
	var out []MethodRef
	for _, p := range s.registry.All() {
		desc := p.Descriptor()
		for _, m := range desc.QueryMethods {
			out = append(out, MethodRef{Plugin: desc.Name, Method: m})
		}
	}
	return out
}

// Tools lists every query method as an agent tool definition.
func (s *Service) Tools() []ToolDef {
	var out []ToolDef
	for _, ref := range s.Methods() {
		out = append(out, ToolDef{
			Name:        ref.Plugin + "." + ref.Method.Name,
			Description: ref.Method.Description,
			Params:      ref.Method.Params,
		})
	}
	return out
}

// Lookup resolves a (plugin, method) pair.
func (s *Service) Lookup(pluginName, methodName string) (plugin.QueryMethod, error) {
	p := s.registry.Get(pluginName)
	if p == nil {
		return plugin.QueryMethod{}, fmt.Errorf("unknown plugin %s", pluginName)
	}
	for _, m := range p.Descriptor().QueryMethods {
		if m.Name == methodName {
			return m, nil
		}
	}
	return plugin.QueryMethod{}, fmt.Errorf("plugin %s has no query method %s", pluginName, methodName)
}

// Execute runs a declared query with the given parameters and returns the
// result rows.
func (s *Service) Execute(ctx context.Context, pluginName, methodName string, params map[string]any) ([]marketstore.Row, error) {
	method, err := s.Lookup(pluginName, methodName)
	if err != nil {
		return nil, err
	}

	args, err := bindParams(method, params)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", pluginName, methodName, err)
	}

	rows, err := s.queryRows(ctx, method.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", pluginName, methodName, err)
	}

	s.log.Debug().
		Str("plugin", pluginName).
		Str("method", methodName).
		Int("rows", len(rows)).
		Msg("Query executed")
	return rows, nil
}

// bindParams validates the supplied parameters against the declaration and
// returns them coerced, in declaration order.
func bindParams(method plugin.QueryMethod, supplied map[string]any) ([]any, error) {
	for name := range supplied {
		if !declaresParam(method, name) {
			return nil, fmt.Errorf("unknown parameter %s", name)
		}
	}

	args := make([]any, 0, len(method.Params))
	for _, decl := range method.Params {
		value, ok := supplied[decl.Name]
		if !ok || value == nil {
			if decl.Required {
				return nil, fmt.Errorf("missing required parameter %s", decl.Name)
			}
			value = decl.Default
		}

		coerced, err := coerce(decl, value)
		if err != nil {
			return nil, err
		}
		args = append(args, coerced)
	}
	return args, nil
}

func declaresParam(method plugin.QueryMethod, name string) bool {
	for _, p := range method.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// coerce converts a supplied value to the declared type. JSON decoding
// hands us float64 for every number and string for everything quoted, so
// cross-type conversions are the normal case, not the exception.
func coerce(decl plugin.QueryParam, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch decl.Type {
	case "string":
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		}

	case "int":
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return v, nil
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("parameter %s: %v is not an integer", decl.Name, v)
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %q is not an integer", decl.Name, v)
			}
			return n, nil
		}

	case "float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %q is not a number", decl.Name, v)
			}
			return f, nil
		}

	default:
		return nil, fmt.Errorf("parameter %s declares unsupported type %s", decl.Name, decl.Type)
	}

	return nil, fmt.Errorf("parameter %s: cannot use %T as %s", decl.Name, value, decl.Type)
}

func (s *Service) queryRows(ctx context.Context, query string, args ...any) ([]marketstore.Row, error) {
	rows, err := s.store.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []marketstore.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(marketstore.Row, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
