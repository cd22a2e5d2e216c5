package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Float tests
// ---------------------------------------------------------------------------

func TestFloatRoundTrip(t *testing.T) {
	tests := []float64{
		0.0,
		1.0,
		-1.0,
		3.14159265358979,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		math.Inf(1),
		math.Inf(-1),
	}

	for _, f := range tests {
		v := FromFloat64(f)
		if !v.IsFloat() {
			t.Errorf("FromFloat64(%v).IsFloat() = false, want true", f)
			continue
		}
		if v.IsRef() || v.IsSmallInt() {
			t.Errorf("FromFloat64(%v) misclassified", f)
		}
		if got := v.Float64(); got != f {
			t.Errorf("FromFloat64(%v).Float64() = %v", f, got)
		}
	}
}

func TestFloatNaN(t *testing.T) {
	v := FromFloat64(math.NaN())
	if !v.IsFloat() {
		t.Error("NaN should be treated as float")
	}
	if !math.IsNaN(v.Float64()) {
		t.Error("NaN roundtrip failed")
	}
}

// ---------------------------------------------------------------------------
// SmallInt tests
// ---------------------------------------------------------------------------

func TestSmallIntRoundTrip(t *testing.T) {
	tests := []int64{0, 1, -1, 42, -42, 1 << 40, MaxSmallInt, MinSmallInt}
	for _, n := range tests {
		v := FromSmallInt(n)
		if !v.IsSmallInt() {
			t.Errorf("FromSmallInt(%d).IsSmallInt() = false", n)
			continue
		}
		if v.IsFloat() || v.IsRef() {
			t.Errorf("FromSmallInt(%d) misclassified", n)
		}
		if got := v.SmallInt(); got != n {
			t.Errorf("FromSmallInt(%d).SmallInt() = %d", n, got)
		}
	}
}

func TestSmallIntOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("FromSmallInt(MaxSmallInt+1) should panic")
		}
	}()
	FromSmallInt(MaxSmallInt + 1)
}

// ---------------------------------------------------------------------------
// Specials and refs
// ---------------------------------------------------------------------------

func TestSpecialValues(t *testing.T) {
	specials := []Value{Nil, True, False, Unit}
	for i, a := range specials {
		if a.IsFloat() || a.IsSmallInt() || a.IsRef() {
			t.Errorf("%v misclassified", a)
		}
		for j, b := range specials {
			if i != j && a == b {
				t.Errorf("%v == %v", a, b)
			}
		}
	}
	if !True.IsBool() || !False.IsBool() || Nil.IsBool() {
		t.Error("IsBool wrong")
	}
	if FromBool(true) != True || FromBool(false) != False {
		t.Error("FromBool wrong")
	}
}

func TestRefEncoding(t *testing.T) {
	v := makeRef(123456, 7)
	if !v.IsRef() {
		t.Fatal("makeRef should produce a ref")
	}
	if v.IsFloat() || v.IsSmallInt() {
		t.Error("ref misclassified")
	}
	if v.refIndex() != 123456 {
		t.Errorf("refIndex = %d, want 123456", v.refIndex())
	}
	if v.refGen() != 7 {
		t.Errorf("refGen = %d, want 7", v.refGen())
	}
	if makeRef(1, 0) == makeRef(1, 1) {
		t.Error("refs with different generations must differ")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Nil, "nil"},
		{True, "true"},
		{Unit, "()"},
		{FromSmallInt(-5), "-5"},
		{makeRef(3, 1), "#3.1"},
		{FromFloat64(1.5), "1.5"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
