package domain

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

var defaults = defaultSettings()

// DefaultSettings возвращает свежую копию карты параметров нового агента.
func DefaultSettings() ConfigMap {
	return defaults.Clone()
}

func defaultSettings() ConfigMap {
	return ConfigMap{
		// задержки, мс
		"dbclickS":  Int(1000),
		"opkeyS":    Int(800),
		"befordS":   Int(250),
		"aftordS":   Int(400),
		"actreqS":   Int(1000),
		"reslotS":   Int(4000),
		"aftpasteS": Int(100),
		"clkeyS":    Int(125),

		// перебив
		"inpord":   Bool(false),
		"inpordS":  Int(200),
		"dcpaste":  Bool(false),
		"dcpasteS": Int(30),
		"prinpS":   Int(350),
		"keypaste": Bool(false),

		// режимы
		"defM":     Bool(true),
		"defcust":  Float(0.01),
		"pfullM":   Bool(false),
		"pfcust":   Float(0.01),
		"percentM": Bool(false),
		"percust":  Float(10.0),
		"tenthM":   Bool(false),
		"integerM": Bool(false),
		"halfM":    Bool(false),
		"randomM":  Bool(false),

		// функции
		"barrierF":   Bool(false),
		"barcust":    Float(0.1),
		"blimitF":    Bool(false),
		"balcust":    Float(100.0),
		"asellF":     Bool(false),
		"aslcust":    Float(0.01),
		"restskinF":  Bool(false),
		"rskincust":  Int(30),
		"multintF":   Bool(false),
		"multincust": Float(2.0),
		"doubcust":   Int(300),
		"flimitF":    Bool(false),
		"fullcust":   Int(3),
		"waitF":      Bool(false),
		"waitcust":   Int(1000),

		"scanM":     Bool(true),
		"sendcatch": Bool(true),

		// цвета пикселей (RGB int)
		"backC":  Int(0),
		"okC":    Int(0),
		"arrowC": Int(0),

		// куда пересылать уловы для привилегированных агентов
		"admin_receive_loot": Bool(false),
		"admin_receive_all":  Bool(true),

		// счетчики, пишет сам скрипт
		"_fulls_count":  Int(0),
		"_last_balance": Int(0),
	}
}

// RuntimeEditable параметры, которые безопасно менять при запущенном скрипте.
var RuntimeEditable = []string{
	"dbclickS", "opkeyS", "befordS", "aftordS", "actreqS", "reslotS",
	"aftpasteS", "clkeyS", "inpordS", "dcpasteS", "prinpS", "doubcust",
	"waitcust", "rskincust",
	"inpord", "dcpaste", "keypaste",
	"defM", "pfullM", "percentM", "tenthM", "integerM", "halfM", "randomM",
	"barrierF", "blimitF", "asellF", "multintF", "flimitF", "waitF", "restskinF",
	"sendcatch",
	"defcust", "pfcust", "percust", "barcust", "balcust", "aslcust",
	"multincust", "fullcust",
	"backC", "okC", "arrowC",
	"admin_receive_loot", "admin_receive_all",
}

// IsRuntimeEditable проверяет имя по allow-list.
func IsRuntimeEditable(name string) bool {
	return slices.Contains(RuntimeEditable, name)
}

// RuntimeView фильтрует карту по allow-list.
func RuntimeView(m ConfigMap) ConfigMap {
	out := make(ConfigMap, len(RuntimeEditable))
	for _, name := range RuntimeEditable {
		if v, ok := m[name]; ok {
			out[name] = v
		}
	}
	return out
}

var delayParams = []string{
	"dbclickS", "opkeyS", "befordS", "aftordS", "actreqS", "reslotS",
	"aftpasteS", "clkeyS", "inpordS", "dcpasteS", "prinpS", "doubcust", "waitcust",
}

var colorParams = []string{"backC", "okC", "arrowC"}

var modeValueParams = []string{
	"defcust", "pfcust", "barcust", "balcust", "aslcust", "multincust", "fullcust", "rskincust",
}

const (
	MinDelay    = 1
	MaxDelay    = 10000
	MaxColor    = 0xFFFFFF
	MaxPercent  = 100
	MaxCoordVal = 5000
)

// ValidateParam проверяет тип и диапазон известного параметра.
// Неизвестные имена принимаются с любым скалярным типом.
// Возвращает нормализованное значение: int для float-параметра становится float.
func ValidateParam(name string, p Param) (Param, error) {
	if p.Kind == 0 {
		return p, fmt.Errorf("%w: %s has no value", ErrValidation, name)
	}
	def, known := defaults[name]
	if !known || strings.HasPrefix(name, "_") {
		return p, nil
	}

	switch def.Kind {
	case KindBool:
		if p.Kind != KindBool {
			return p, fmt.Errorf("%w: %s must be boolean", ErrValidation, name)
		}
		return p, nil
	case KindInt:
		if p.Kind == KindFloat && p.Float == math.Trunc(p.Float) {
			p = Int(int64(p.Float))
		}
		if p.Kind != KindInt {
			return p, fmt.Errorf("%w: %s must be integer", ErrValidation, name)
		}
	case KindFloat:
		if p.Kind == KindInt {
			p = Float(float64(p.Int))
		}
		if p.Kind != KindFloat {
			return p, fmt.Errorf("%w: %s must be a number", ErrValidation, name)
		}
	}

	v, _ := p.Number()
	switch {
	case slices.Contains(delayParams, name):
		if v < MinDelay || v > MaxDelay {
			return p, fmt.Errorf("%w: %s must be in %d..%d ms", ErrValidation, name, MinDelay, MaxDelay)
		}
	case slices.Contains(colorParams, name):
		if v < 0 || v > MaxColor {
			return p, fmt.Errorf("%w: %s must be in 0..%d", ErrValidation, name, MaxColor)
		}
	case name == "percust":
		if v < 0 || v > MaxPercent {
			return p, fmt.Errorf("%w: percust must be in 0..%d", ErrValidation, MaxPercent)
		}
	case slices.Contains(modeValueParams, name):
		if v <= 0 {
			return p, fmt.Errorf("%w: %s must be positive", ErrValidation, name)
		}
	}
	return p, nil
}

// ValidateConfig проверяет всю карту и возвращает нормализованную копию.
func ValidateConfig(m ConfigMap) (ConfigMap, error) {
	out := make(ConfigMap, len(m))
	for name, p := range m {
		if name == "" {
			return nil, fmt.Errorf("%w: empty parameter name", ErrValidation)
		}
		v, err := ValidateParam(name, p)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
