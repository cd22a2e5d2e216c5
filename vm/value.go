package vm

import (
	"fmt"
	"math"
)

// Value represents a runtime value using NaN-boxing.
//
// All values are 64-bit IEEE 754 doubles. Non-float values are encoded in
// the NaN space using the quiet NaN prefix and tag bits.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a NaN, it's a float)
//   - SmallInt: Quiet NaN + tagInt + 48-bit signed payload
//   - Ref: Quiet NaN + tagRef + 16-bit generation + 32-bit arena index
//   - Special: Quiet NaN + tagSpecial + special value ID (nil/true/false/unit)
//
// Refs are addresses into a Runtime's heap arena, never Go pointers, so the
// collector can trace and reclaim cyclic graphs and detect stale refs.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for ref/int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagRef     uint64 = 0x0001000000000000 // Heap arena reference
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // nil, true, false, unit

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000

	refIndexMask uint64 = 0x00000000FFFFFFFF
	refGenShift         = 32
)

// Special value payloads
const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
	specialUnit  uint64 = 3
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
	Unit  Value = Value(nanBits | tagSpecial | specialUnit)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	// Infinity has mantissa == 0 (ignoring sign bit)
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}
	if (bits & nanBits) != nanBits {
		return true
	}
	// Untagged quiet NaN is a real NaN
	return bits&tagMask == 0
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsRef returns true if v addresses a heap object.
func (v Value) IsRef() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagRef)
}

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsTrue returns true if v is the true value.
func (v Value) IsTrue() bool {
	return v == True
}

// IsFalse returns true if v is the false value.
func (v Value) IsFalse() bool {
	return v == False
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the 48-bit range.
func FromSmallInt(n int64) Value {
	if n < MinSmallInt || n > MaxSmallInt {
		panic(fmt.Sprintf("FromSmallInt: %d out of range", n))
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// FromBool creates True or False.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

func makeRef(index uint32, gen uint16) Value {
	return Value(nanBits | tagRef | uint64(gen)<<refGenShift | uint64(index))
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Float64 returns the float64 value.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// SmallInt returns the integer value.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// refIndex returns the arena slot addressed by a ref.
func (v Value) refIndex() uint32 {
	return uint32(uint64(v) & refIndexMask)
}

// refGen returns the slot generation a ref was minted for.
func (v Value) refGen() uint16 {
	return uint16((uint64(v) & payloadMask) >> refGenShift)
}

// String renders v for logs and diagnostics.
func (v Value) String() string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v == Unit:
		return "()"
	case v.IsSmallInt():
		return fmt.Sprintf("%d", v.SmallInt())
	case v.IsRef():
		return fmt.Sprintf("#%d.%d", v.refIndex(), v.refGen())
	case v.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	}
	return fmt.Sprintf("<value %#x>", uint64(v))
}
