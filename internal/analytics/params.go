package analytics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/crashwatch/internal/game"
)

// Params are raw operation parameters from a query string or JSON body.
type Params map[string]any

// ParamsFromQuery converts URL query values. Repeated keys become lists; a
// comma-separated "values" is split.
func ParamsFromQuery(q url.Values) Params {
	p := make(Params, len(q))
	for name, vals := range q {
		switch {
		case name == "values" && len(vals) == 1 && strings.Contains(vals[0], ","):
			parts := strings.Split(vals[0], ",")
			list := make([]any, 0, len(parts))
			for _, part := range parts {
				list = append(list, strings.TrimSpace(part))
			}
			p[name] = list
		case len(vals) == 1:
			p[name] = vals[0]
		default:
			list := make([]any, 0, len(vals))
			for _, v := range vals {
				list = append(list, v)
			}
			p[name] = list
		}
	}
	return p
}

// ParamsFromJSON decodes a JSON object body. An empty body is no params.
func ParamsFromJSON(data []byte) (Params, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Params{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p Params
	if err := dec.Decode(&p); err != nil {
		return nil, game.NewValidationError("body", "expected a JSON object: %v", err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (p Params) float(name string) (float64, bool, error) {
	v, ok := p[name]
	if !ok || v == nil || v == "" {
		return 0, false, nil
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, game.NewValidationError(name, "expected a number, got %v", v)
	}
	return f, true, nil
}

func (p Params) requiredFloat(name string) (float64, error) {
	f, ok, err := p.float(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, game.NewValidationError(name, "is required")
	}
	return f, nil
}

func (p Params) int(name string, def, lo, hi int) (int, error) {
	f, ok, err := p.float(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	if f != math.Trunc(f) {
		return 0, game.NewValidationError(name, "expected an integer, got %v", f)
	}
	n := int(f)
	if n < lo || n > hi {
		return 0, game.NewValidationError(name, "must be between %d and %d, got %d", lo, hi, n)
	}
	return n, nil
}

func (p Params) has(name string) bool {
	v, ok := p[name]
	return ok && v != nil && v != ""
}

func (p Params) bool(name string, def bool) (bool, error) {
	if !p.has(name) {
		return def, nil
	}
	switch x := p[name].(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err == nil {
			return b, nil
		}
	}
	return false, game.NewValidationError(name, "expected true or false, got %v", p[name])
}

func (p Params) choice(name, def string, allowed ...string) (string, error) {
	v, ok := p[name]
	if !ok || v == nil || v == "" {
		return def, nil
	}
	s := strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
	if !slices.Contains(allowed, s) {
		return "", game.NewValidationError(name, "must be one of %s, got %q", strings.Join(allowed, ", "), s)
	}
	return s, nil
}

func (p Params) floats(name string, maxLen int) ([]float64, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return nil, game.NewValidationError(name, "is required")
	}
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case []float64:
		for _, f := range x {
			items = append(items, f)
		}
	default:
		items = []any{x}
	}
	if len(items) == 0 || len(items) > maxLen {
		return nil, game.NewValidationError(name, "expected 1 to %d values, got %d", maxLen, len(items))
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, ok := toFloat(item)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, game.NewValidationError(name, "expected numbers, got %v", item)
		}
		out = append(out, f)
	}
	return out, nil
}

// Criterion kinds.
const (
	KindMin   = "min"
	KindMax   = "max"
	KindFloor = "floor"
)

// Criterion selects games by reported outcome.
type Criterion struct {
	Kind  string  `json:"kind"`
	Value float64 `json:"value"`
}

// Filter converts c to a store filter.
func (c Criterion) Filter() game.Filter {
	v := c.Value
	switch c.Kind {
	case KindMax:
		return game.Filter{MaxOutcome: &v}
	case KindFloor:
		floor := int64(v)
		return game.Filter{Floor: &floor}
	default:
		return game.Filter{MinOutcome: &v}
	}
}

// Match reports whether rec meets c.
func (c Criterion) Match(rec game.Record) bool {
	return c.Filter().Match(rec)
}

func (c Criterion) validate(field string) error {
	if c.Kind == KindFloor && (c.Value != math.Trunc(c.Value) || c.Value < 1) {
		return game.NewValidationError(field, "floor values must be positive integers, got %v", c.Value)
	}
	if c.Value < 0 {
		return game.NewValidationError(field, "must not be negative, got %v", c.Value)
	}
	return nil
}

// criteria reads a kind and a list of values sharing it.
func (p Params) criteria() (string, []float64, error) {
	kind, err := p.choice("kind", KindMin, KindMin, KindMax, KindFloor)
	if err != nil {
		return "", nil, err
	}
	values, err := p.floats("values", MaxBatchValues)
	if err != nil {
		return "", nil, err
	}
	for _, v := range values {
		if err := (Criterion{Kind: kind, Value: v}).validate("values"); err != nil {
			return "", nil, err
		}
	}
	return kind, values, nil
}

func (p Params) criterion() (Criterion, error) {
	kind, err := p.choice("kind", KindMin, KindMin, KindMax, KindFloor)
	if err != nil {
		return Criterion{}, err
	}
	value, err := p.requiredFloat("value")
	if err != nil {
		return Criterion{}, err
	}
	c := Criterion{Kind: kind, Value: value}
	return c, c.validate("value")
}
