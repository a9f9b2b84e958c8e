package countmin

import (
	"bytes"
	"encoding/binary"
	"testing"

	"dyad.lopezb.com/internal/dyad/canonical"
)

func newInt64Sketch(t *testing.T, width, depth uint32) *Sketch {
	t.Helper()
	s, err := New(width, depth, canonical.TypeInt64)
	if err != nil {
		t.Fatalf("New(%d, %d) failed: %v", width, depth, err)
	}
	return s
}

func TestNew(t *testing.T) {
	width, depth := uint32(128), uint32(5)
	s := newInt64Sketch(t, width, depth)

	if s.Width() != width {
		t.Errorf("Width: got %d, want %d", s.Width(), width)
	}
	if s.Depth() != depth {
		t.Errorf("Depth: got %d, want %d", s.Depth(), depth)
	}
	if s.TypeID() != canonical.TypeInt64 {
		t.Errorf("TypeID: got %d, want %d", s.TypeID(), canonical.TypeInt64)
	}
	if s.Count() != 0 {
		t.Errorf("Count: got %d, want 0", s.Count())
	}

	expectedSize := HeaderSize + Ranges*int(width)*int(depth)*counterSize
	if len(s.Bytes()) != expectedSize {
		t.Errorf("Bytes length: got %d, want %d", len(s.Bytes()), expectedSize)
	}

	if !HasValidMagic(s.Bytes()) {
		t.Error("HasValidMagic returned false for valid sketch")
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(0, 5, canonical.TypeInt64); err != ErrDimensionMismatch {
		t.Errorf("zero width: got %v, want %v", err, ErrDimensionMismatch)
	}
	if _, err := New(128, 0, canonical.TypeInt64); err != ErrDimensionMismatch {
		t.Errorf("zero depth: got %v, want %v", err, ErrDimensionMismatch)
	}
	if _, err := New(128, 5, canonical.TypeID(0xDEAD)); err != ErrUnknownType {
		t.Errorf("unknown type: got %v, want %v", err, ErrUnknownType)
	}
}

func TestNewFromBytes(t *testing.T) {
	original := newInt64Sketch(t, 64, 3)
	if err := original.Insert(42); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	loaded, err := NewFromBytes(original.Bytes())
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}

	if loaded.Width() != original.Width() || loaded.Depth() != original.Depth() {
		t.Error("dimensions mismatch after loading from bytes")
	}
	if loaded.Count() != original.Count() {
		t.Errorf("Count mismatch: got %d, want %d", loaded.Count(), original.Count())
	}

	want, err := original.Estimate(42)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	got, err := loaded.Estimate(42)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if got != want {
		t.Errorf("Estimate mismatch after loading: got %d, want %d", got, want)
	}
}

func TestNewFromBytes_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "too short",
			data: make([]byte, HeaderSize-1),
			want: ErrInvalidData,
		},
		{
			name: "wrong magic",
			data: func() []byte {
				d := make([]byte, HeaderSize+100)
				binary.LittleEndian.PutUint32(d[0:4], 0xDEADBEEF)
				return d
			}(),
			want: ErrInvalidMagic,
		},
		{
			name: "zero width",
			data: func() []byte {
				d := make([]byte, HeaderSize)
				binary.LittleEndian.PutUint32(d[0:4], Magic)
				binary.LittleEndian.PutUint32(d[8:12], 3)
				return d
			}(),
			want: ErrInvalidData,
		},
		{
			name: "truncated body",
			data: func() []byte {
				s, _ := New(64, 3, canonical.TypeInt64)
				return s.Bytes()[:len(s.Bytes())-1]
			}(),
			want: ErrInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFromBytes(tt.data)
			if err != tt.want {
				t.Errorf("got error %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInsertAndEstimate(t *testing.T) {
	s := newInt64Sketch(t, 128, 5)

	for _, v := range []int64{1, 1, 2, 3, 3, 3} {
		if err := s.Insert(v); err != nil {
			t.Fatalf("Insert(%d) failed: %v", v, err)
		}
	}

	if s.Count() != 6 {
		t.Errorf("Count: got %d, want 6", s.Count())
	}

	tests := []struct {
		value int64
		want  int64
	}{
		{1, 2},
		{2, 1},
		{3, 3},
		{4, 0},
	}
	for _, tt := range tests {
		got, err := s.Estimate(tt.value)
		if err != nil {
			t.Fatalf("Estimate(%d) failed: %v", tt.value, err)
		}
		// Collisions can only inflate, never deflate; with 3 distinct
		// values against width 128 they do not occur in practice.
		if got != tt.want {
			t.Errorf("Estimate(%d): got %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestInsert_AllLevels(t *testing.T) {
	s := newInt64Sketch(t, 128, 5)

	if err := s.Insert(5); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Level L holds the count of value>>L: 5, 2, 1, then zeros.
	levelValues := map[int]int64{0: 5, 1: 2, 2: 1, 3: 0, 63: 0}
	for level, v := range levelValues {
		if got := s.estimateAt(level, v); got != 1 {
			t.Errorf("level %d estimate for %d: got %d, want 1", level, v, got)
		}
	}
}

func TestInsert_NegativeShiftsSignExtend(t *testing.T) {
	s := newInt64Sketch(t, 128, 5)

	if err := s.Insert(-1); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Arithmetic shift keeps -1 at -1 on every level.
	for _, level := range []int{0, 1, 32, 63} {
		if got := s.estimateAt(level, -1); got != 1 {
			t.Errorf("level %d estimate for -1: got %d, want 1", level, got)
		}
	}
}

func TestMerge(t *testing.T) {
	a := newInt64Sketch(t, 128, 5)
	b := newInt64Sketch(t, 128, 5)

	for _, v := range []int64{1, 1, 2} {
		if err := a.Insert(v); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	for _, v := range []int64{3, 3, 3} {
		if err := b.Insert(v); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	merged, err := a.Merge(b)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if merged.Count() != 6 {
		t.Errorf("merged Count: got %d, want 6", merged.Count())
	}
	for value, want := range map[int64]int64{1: 2, 2: 1, 3: 3} {
		got, err := merged.Estimate(value)
		if err != nil {
			t.Fatalf("Estimate failed: %v", err)
		}
		if got != want {
			t.Errorf("merged Estimate(%d): got %d, want %d", value, got, want)
		}
	}

	// Inputs must be untouched.
	if gotA, _ := a.Estimate(3); gotA != 0 {
		t.Errorf("Merge modified its receiver: Estimate(3) = %d", gotA)
	}
}

// TestMerge_AnyGrouping verifies that merging partial sketches in any
// order and grouping produces counters byte-identical to a single
// sequential insertion of the whole stream.
func TestMerge_AnyGrouping(t *testing.T) {
	stream := []int64{5, -3, 5, 12, 900, -3, 5, 0, 7, 7, -100, 12}

	sequential := newInt64Sketch(t, 64, 4)
	for _, v := range stream {
		if err := sequential.Insert(v); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	parts := make([]*Sketch, 3)
	for i := range parts {
		parts[i] = newInt64Sketch(t, 64, 4)
	}
	for i, v := range stream {
		if err := parts[i%3].Insert(v); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	merge := func(x, y *Sketch) *Sketch {
		m, err := x.Merge(y)
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		return m
	}

	leftFold := merge(merge(parts[0], parts[1]), parts[2])
	rightFold := merge(parts[0], merge(parts[1], parts[2]))
	reversed := merge(parts[2], merge(parts[1], parts[0]))

	for name, m := range map[string]*Sketch{
		"left fold":  leftFold,
		"right fold": rightFold,
		"reversed":   reversed,
	} {
		if !bytes.Equal(m.Bytes(), sequential.Bytes()) {
			t.Errorf("%s merge is not byte-identical to sequential insertion", name)
		}
	}
}

func TestMerge_TypeMismatch(t *testing.T) {
	a := newInt64Sketch(t, 64, 3)
	b := newInt64Sketch(t, 64, 3)

	// Forge a different type tag on b.
	binary.LittleEndian.PutUint32(b.backing[12:16], 0xDEAD)

	if _, err := a.Merge(b); err != ErrTypeMismatch {
		t.Errorf("got %v, want %v", err, ErrTypeMismatch)
	}
}

func TestMerge_DimensionMismatch(t *testing.T) {
	a := newInt64Sketch(t, 64, 3)
	b := newInt64Sketch(t, 128, 3)
	c := newInt64Sketch(t, 64, 4)

	if _, err := a.Merge(b); err != ErrDimensionMismatch {
		t.Errorf("width mismatch: got %v, want %v", err, ErrDimensionMismatch)
	}
	if _, err := a.Merge(c); err != ErrDimensionMismatch {
		t.Errorf("depth mismatch: got %v, want %v", err, ErrDimensionMismatch)
	}
}

func TestInsert_CounterOverflow(t *testing.T) {
	s := newInt64Sketch(t, 8, 2)

	// Park every counter at the limit; the next insertion must refuse
	// rather than wrap.
	for off := HeaderSize; off < len(s.backing); off += counterSize {
		binary.LittleEndian.PutUint64(s.backing[off:], uint64(CounterLimit))
	}

	if err := s.Insert(1); err != ErrCounterOverflow {
		t.Errorf("got %v, want %v", err, ErrCounterOverflow)
	}
}

func TestMerge_CounterOverflow(t *testing.T) {
	a := newInt64Sketch(t, 8, 2)
	b := newInt64Sketch(t, 8, 2)

	binary.LittleEndian.PutUint64(a.backing[HeaderSize:], uint64(CounterLimit))
	binary.LittleEndian.PutUint64(b.backing[HeaderSize:], 1)

	if _, err := a.Merge(b); err != ErrCounterOverflow {
		t.Errorf("got %v, want %v", err, ErrCounterOverflow)
	}
}

func TestDimensionsFromProb(t *testing.T) {
	tests := []struct {
		epsilon     float64
		delta       float64
		wantWidth   uint32
		wantDepth   uint32
		description string
	}{
		{
			epsilon:     0.01,
			delta:       0.01,
			wantWidth:   272, // ceil(e / 0.01)
			wantDepth:   5,   // ceil(ln(100))
			description: "1% error, 1% failure probability",
		},
		{
			epsilon:     0.001,
			delta:       0.01,
			wantWidth:   2719,
			wantDepth:   5,
			description: "0.1% error, 1% failure probability",
		},
		{
			epsilon:     0.001,
			delta:       0.001,
			wantWidth:   2719,
			wantDepth:   7,
			description: "0.1% error, 0.1% failure probability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			width, depth := DimensionsFromProb(tt.epsilon, tt.delta)
			if width != tt.wantWidth {
				t.Errorf("Width: got %d, want %d", width, tt.wantWidth)
			}
			if depth != tt.wantDepth {
				t.Errorf("Depth: got %d, want %d", depth, tt.wantDepth)
			}
		})
	}
}

func TestDimensionsFromProb_InvalidInputs(t *testing.T) {
	width, depth := DimensionsFromProb(0, 0)
	if width == 0 || depth == 0 {
		t.Error("DimensionsFromProb should sanitize zero inputs")
	}

	width, depth = DimensionsFromProb(-1, -1)
	if width == 0 || depth == 0 {
		t.Error("DimensionsFromProb should sanitize negative inputs")
	}
}

func BenchmarkInsert(b *testing.B) {
	s, err := New(DefaultWidth, DefaultDepth, canonical.TypeInt64)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Insert(int64(i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRangeCount(b *testing.B) {
	s, err := New(DefaultWidth, DefaultDepth, canonical.TypeInt64)
	if err != nil {
		b.Fatal(err)
	}
	for i := int64(0); i < 1000; i++ {
		if err := s.Insert(i); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.RangeCount(14, 948); err != nil {
			b.Fatal(err)
		}
	}
}
