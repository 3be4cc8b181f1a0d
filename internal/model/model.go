package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// 生成参数名
const (
	ParamPrompt         = "prompt"
	ParamNegativePrompt = "negative_prompt"
	ParamSeed           = "seed"
	ParamWidth          = "width"
	ParamHeight         = "height"
	ParamSteps          = "num_inference_steps"
	ParamGuidanceScale  = "guidance_scale"
	ParamEta            = "eta"
	ParamStrength       = "strength"
)

// NumericParams 需要数值校验的参数
var NumericParams = []string{ParamWidth, ParamHeight, ParamSteps, ParamGuidanceScale, ParamEta, ParamStrength}

// Parameters 生成参数。值为 string、数值或 nil，其余结构原样透传给后端。
type Parameters map[string]any

// DefaultParameters 与后端 /api/info 的默认值保持一致，后端不可达时的兜底
func DefaultParameters() Parameters {
	return Parameters{
		ParamPrompt:         "",
		ParamNegativePrompt: "",
		ParamSeed:           nil,
		ParamHeight:         int64(512),
		ParamWidth:          int64(512),
		ParamSteps:          int64(50),
		ParamGuidanceScale:  7.5,
		ParamEta:            0.0,
	}
}

// Clone 深拷贝
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Parameters:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Merge 用 other 覆盖同名参数，返回新的参数表
func (p Parameters) Merge(other Parameters) Parameters {
	out := p.Clone()
	if out == nil {
		out = Parameters{}
	}
	for k, v := range other {
		out[k] = cloneValue(v)
	}
	return out
}

// String 读取字符串参数，非字符串按 fmt 格式化
func (p Parameters) String(name string) string {
	v, ok := p[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int 读取整数参数。字符串会被解析，小数必须是整值。
func (p Parameters) Int(name string) (int64, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, false
	}
	return ToInt(v)
}

// ToInt 把 JSON/表单中的数值转换为 int64
func ToInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint32:
		return int64(t), true
	case float32:
		return floatToInt(float64(t))
	case float64:
		return floatToInt(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// ToFloat 把 JSON/表单中的数值转换为 float64
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
