package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ============================================================================
// Quantity - 内存容量
// ============================================================================

// Quantity 以字节为单位的内存容量
//
// 只在请求入口解析一次，之后各阶段直接使用字节数，不再重复解析。
// 支持的输入格式：
//   - "8G" / "8g" / "8Gi" / "8GB"：GiB
//   - "512M" / "512Mi" / "512MB"：MiB
//   - "1024K" / "1024Ki"：KiB
//   - "8589934592"：无单位字符串按字节处理
//   - 8（JSON 整数）：按 GiB 处理
type Quantity int64

const (
	KiB Quantity = 1 << 10
	MiB Quantity = 1 << 20
	GiB Quantity = 1 << 30
)

// DefaultRayMemory Ray 节点默认内存限制
const DefaultRayMemory = 8 * GiB

// MacObjectStoreCap macOS 上对象存储的上限
const MacObjectStoreCap = 2 * GiB

// ParseQuantity 解析字符串形式的容量
func ParseQuantity(s string) (Quantity, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty quantity", ErrInvalidRequest)
	}

	upper := strings.ToUpper(raw)
	unit := Quantity(1)
	for _, suffix := range []struct {
		text string
		unit Quantity
	}{
		{"GIB", GiB}, {"GI", GiB}, {"GB", GiB}, {"G", GiB},
		{"MIB", MiB}, {"MI", MiB}, {"MB", MiB}, {"M", MiB},
		{"KIB", KiB}, {"KI", KiB}, {"KB", KiB}, {"K", KiB},
	} {
		if strings.HasSuffix(upper, suffix.text) {
			upper = strings.TrimSpace(strings.TrimSuffix(upper, suffix.text))
			unit = suffix.unit
			break
		}
	}

	n, err := strconv.ParseInt(upper, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: malformed quantity %q", ErrInvalidRequest, s)
	}
	return scale(n, unit)
}

// scale 计算 n*unit，超出 int64 时报错
func scale(n int64, unit Quantity) (Quantity, error) {
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: quantity %d x %d bytes overflows", ErrInvalidRequest, n, int64(unit))
	}
	return Quantity(n) * unit, nil
}

// Bytes 返回字节数
func (q Quantity) Bytes() int64 {
	return int64(q)
}

// String 以最大整除单位输出，便于日志阅读
func (q Quantity) String() string {
	switch {
	case q == 0:
		return "0"
	case q%GiB == 0:
		return fmt.Sprintf("%dG", q/GiB)
	case q%MiB == 0:
		return fmt.Sprintf("%dM", q/MiB)
	case q%KiB == 0:
		return fmt.Sprintf("%dK", q/KiB)
	default:
		return strconv.FormatInt(int64(q), 10)
	}
}

// MarshalJSON 输出无单位的字节数字符串，反序列化时按字节解析
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(q), 10))
}

// UnmarshalJSON 接受字符串或整数（GiB）
func (q *Quantity) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseQuantity(s)
		if err != nil {
			return err
		}
		*q = parsed
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: quantity must be a string or integer", ErrInvalidRequest)
	}
	if n < 0 {
		return fmt.Errorf("%w: negative quantity %d", ErrInvalidRequest, n)
	}
	parsed, err := scale(n, GiB)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
