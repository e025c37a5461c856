package agentpipe

import (
	"strconv"
	"strings"

	"github.com/objectfs/fustor/pkg/wire"
)

// MappingRule is one declarative field-mapping entry from a pipe's
// fields_mapping config (spec.md §6 "fields_mapping?"). Grounded on
// original_source/core/src/fustor_core/pipe/mapper.py's mapping shape:
// `to` is a dot-notation target path; `source` names the first source
// field to read (optionally suffixed `:type` for a conversion); or
// `hardcoded_value` supplies a constant instead of reading anything.
type MappingRule struct {
	To             string `yaml:"to"`
	Source         []string `yaml:"source,omitempty"`
	HardcodedValue any    `yaml:"hardcoded_value,omitempty"`
}

type compiledRule struct {
	targetParts []string
	targetPath  string
	extract     func(row wire.Row) (any, bool)
}

// EventMapper rewrites each row of a batch according to a compiled set of
// MappingRules, the same two-pass "compile once, apply many" shape as the
// Python closure-based mapper it's grounded on.
type EventMapper struct {
	rules       []compiledRule
	hasMappings bool
}

var typeConverters = map[string]func(any) (any, bool){
	"string":  func(v any) (any, bool) { return toString(v), true },
	"str":     func(v any) (any, bool) { return toString(v), true },
	"integer": func(v any) (any, bool) { return toInt(v) },
	"int":     func(v any) (any, bool) { return toInt(v) },
	"number":  func(v any) (any, bool) { return toFloat(v) },
	"float":   func(v any) (any, bool) { return toFloat(v) },
	"boolean": func(v any) (any, bool) { return toBool(v), true },
	"bool":    func(v any) (any, bool) { return toBool(v), true },
}

// NewEventMapper compiles rules into extractor closures once, so applying
// them to many rows does no further config parsing.
func NewEventMapper(rules []MappingRule) *EventMapper {
	m := &EventMapper{}
	for _, rule := range rules {
		if rule.To == "" {
			continue
		}
		targetParts := strings.Split(rule.To, ".")

		if rule.HardcodedValue != nil {
			val := rule.HardcodedValue
			m.rules = append(m.rules, compiledRule{
				targetParts: targetParts,
				targetPath:  rule.To,
				extract:     func(wire.Row) (any, bool) { return val, true },
			})
			continue
		}
		if len(rule.Source) == 0 {
			continue
		}
		sourceField, targetType, _ := strings.Cut(rule.Source[0], ":")
		convert := typeConverters[targetType]
		m.rules = append(m.rules, compiledRule{
			targetParts: targetParts,
			targetPath:  rule.To,
			extract: func(row wire.Row) (any, bool) {
				v, ok := row[sourceField]
				if !ok || v == nil {
					return nil, false
				}
				if convert == nil {
					return v, true
				}
				converted, ok := convert(v)
				if !ok {
					return v, true // conversion failure: pass through raw, as the original does
				}
				return converted, true
			},
		})
	}
	m.hasMappings = len(m.rules) > 0
	return m
}

// Process applies the mapper to one row, producing a new row built solely
// from the configured target paths. An unconfigured mapper passes rows
// through unchanged.
func (m *EventMapper) Process(row wire.Row) wire.Row {
	if !m.hasMappings {
		return row
	}
	out := wire.Row{}
	for _, r := range m.rules {
		val, ok := r.extract(row)
		if !ok {
			continue
		}
		setDotted(out, r.targetParts, val)
	}
	return out
}

// MapBatch rewrites every row of every event in the batch and recomputes
// each event's Fields list from the rules actually applied (ordered by
// rule declaration, deduplicated at the top-level segment).
func (m *EventMapper) MapBatch(events []wire.Event) []wire.Event {
	if !m.hasMappings {
		return events
	}
	out := make([]wire.Event, len(events))
	for i, ev := range events {
		mapped := make([]wire.Row, len(ev.Rows))
		for j, row := range ev.Rows {
			mapped[j] = m.Process(row)
		}
		ev.Rows = mapped
		ev.Fields = m.topLevelFieldNames()
		out[i] = ev
	}
	return out
}

func (m *EventMapper) topLevelFieldNames() []string {
	seen := make(map[string]struct{}, len(m.rules))
	var fields []string
	for _, r := range m.rules {
		top := r.targetParts[0]
		if _, ok := seen[top]; ok {
			continue
		}
		seen[top] = struct{}{}
		fields = append(fields, top)
	}
	return fields
}

func setDotted(out wire.Row, parts []string, val any) {
	current := out
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(wire.Row)
		if !ok {
			next = wire.Row{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = val
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strconv.FormatFloat(toFloatLoose(v), 'f', -1, 64)
}

func toInt(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return v, false
		}
		return i, true
	}
	return v, false
}

func toFloat(v any) (any, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return v, false
		}
		return f, true
	}
	return v, false
}

func toFloatLoose(v any) float64 {
	f, _ := toFloat(v)
	if fv, ok := f.(float64); ok {
		return fv
	}
	return 0
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(b) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	default:
		return false
	}
}
