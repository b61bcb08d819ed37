package core

import "fmt"

// DType represents a tensor element type.
type DType uint8

const (
	Float16 DType = iota
	Float32
	Float64
	BFloat16
	Int8
	Int16
	Int32
	Int64
	Bool
)

// Size returns the byte size of one element of this type.
func (d DType) Size() uintptr {
	switch d {
	case Float16, BFloat16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Int8, Bool:
		return 1
	case Int16:
		return 2
	default:
		return 4 // fallback
	}
}

// IsFloating reports whether gradients can flow through values of this type.
func (d DType) IsFloating() bool {
	switch d {
	case Float16, Float32, Float64, BFloat16:
		return true
	default:
		return false
	}
}

// String returns a human-readable name for the type.
func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case BFloat16:
		return "bfloat16"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// ParseDType is the inverse of String. "double" and "float" are accepted as
// aliases for float64 and float32.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float16", "half":
		return Float16, nil
	case "float32", "float":
		return Float32, nil
	case "float64", "double":
		return Float64, nil
	case "bfloat16":
		return BFloat16, nil
	case "int8":
		return Int8, nil
	case "int16":
		return Int16, nil
	case "int32":
		return Int32, nil
	case "int64", "long":
		return Int64, nil
	case "bool":
		return Bool, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}
