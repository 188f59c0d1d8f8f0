package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
)

// ParamKind тип скалярного параметра конфигурации.
type ParamKind uint8

const (
	KindInt ParamKind = iota + 1
	KindFloat
	KindBool
)

func (k ParamKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	}
	return "invalid"
}

// Param скаляр конфигурации с явным типом.
// В JSON это обычное число или bool; float всегда пишется с точкой,
// чтобы тип переживал сохранение в БД.
type Param struct {
	Kind  ParamKind
	Int   int64
	Float float64
	Bool  bool
}

func Int(v int64) Param     { return Param{Kind: KindInt, Int: v} }
func Float(v float64) Param { return Param{Kind: KindFloat, Float: v} }
func Bool(v bool) Param     { return Param{Kind: KindBool, Bool: v} }

// Number возвращает числовое значение параметра (int или float).
func (p Param) Number() (float64, bool) {
	switch p.Kind {
	case KindInt:
		return float64(p.Int), true
	case KindFloat:
		return p.Float, true
	}
	return 0, false
}

// Value возвращает значение как any для ответов агенту.
func (p Param) Value() any {
	switch p.Kind {
	case KindInt:
		return p.Int
	case KindFloat:
		return p.Float
	case KindBool:
		return p.Bool
	}
	return nil
}

func (p Param) String() string {
	b, err := p.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}

func (p Param) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindInt:
		return strconv.AppendInt(nil, p.Int, 10), nil
	case KindFloat:
		if math.IsNaN(p.Float) || math.IsInf(p.Float, 0) {
			return nil, fmt.Errorf("%w: param is not finite", ErrValidation)
		}
		s := strconv.FormatFloat(p.Float, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return []byte(s), nil
	case KindBool:
		return strconv.AppendBool(nil, p.Bool), nil
	}
	return nil, fmt.Errorf("%w: param has no kind", ErrValidation)
}

func (p *Param) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true":
		*p = Bool(true)
		return nil
	case "false":
		*p = Bool(false)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil || len(data) == 0 || data[0] == '"' {
		return fmt.Errorf("%w: param must be a number or boolean, got %s", ErrValidation, truncate(data))
	}
	s := num.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := num.Int64(); err == nil {
			*p = Int(i)
			return nil
		}
	}
	f, err := num.Float64()
	if err != nil {
		return fmt.Errorf("%w: bad number %s", ErrValidation, s)
	}
	*p = Float(f)
	return nil
}

func truncate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}

// ParamFromAny приводит значение из JSON-тела (float64/bool/json.Number/int) к Param.
func ParamFromAny(v any) (Param, error) {
	switch t := v.(type) {
	case Param:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case json.Number:
		var p Param
		err := p.UnmarshalJSON([]byte(t.String()))
		return p, err
	}
	return Param{}, fmt.Errorf("%w: unsupported param type %T", ErrValidation, v)
}

// ConfigMap набор параметров агента: имя -> скаляр.
type ConfigMap map[string]Param

// Clone делает копию, чтобы вызывающий не мог испортить закэшированную карту.
func (m ConfigMap) Clone() ConfigMap {
	if m == nil {
		return ConfigMap{}
	}
	return maps.Clone(m)
}

// Values отдает карту в виде, пригодном для JSON-ответа агенту.
// Значения остаются Param, чтобы float сериализовались с точкой.
func (m ConfigMap) Values() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ConfigSnapshot карта параметров вместе с ее версией.
type ConfigSnapshot struct {
	Params  ConfigMap `json:"settings"`
	Version int64     `json:"config_version"`
}

func (s ConfigSnapshot) Clone() ConfigSnapshot {
	return ConfigSnapshot{Params: s.Params.Clone(), Version: s.Version}
}
