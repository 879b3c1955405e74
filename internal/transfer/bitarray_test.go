// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Transfer License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"reflect"
	"testing"
)

func TestBitArray_SetAndIsSet(t *testing.T) {
	a := NewBitArray(130)

	for _, i := range []uint32{0, 63, 64, 127, 129} {
		if a.IsSet(i) {
			t.Fatalf("bit %d unexpectedly set", i)
		}
		a.Set(i)
		if !a.IsSet(i) {
			t.Fatalf("bit %d not set after Set", i)
		}
	}

	// Bits vizinhos não afetados
	if a.IsSet(1) || a.IsSet(62) || a.IsSet(65) || a.IsSet(128) {
		t.Fatal("unexpected neighbor bit set")
	}
}

func TestBitArray_CollectUnset(t *testing.T) {
	a := NewBitArray(10)
	set := []uint32{1, 3, 7}
	for _, i := range set {
		a.Set(i)
	}

	expected := []uint32{0, 2, 4, 5, 6, 8, 9}
	if got := a.CollectUnset(); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected unset %v, got %v", expected, got)
	}
}

func TestBitArray_CollectUnset_IgnoresUnusedTail(t *testing.T) {
	// 70 bits: a segunda word tem 58 bits não usados, que não devem aparecer
	a := NewBitArray(70)
	for i := uint32(0); i < 70; i++ {
		a.Set(i)
	}
	if got := a.CollectUnset(); len(got) != 0 {
		t.Fatalf("expected no unset bits, got %v", got)
	}
}

func TestBitArray_CollectUnset_AllUnset(t *testing.T) {
	a := NewBitArray(66)
	got := a.CollectUnset()
	if len(got) != 66 {
		t.Fatalf("expected 66 unset bits, got %d", len(got))
	}
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("expected ascending order, got %v at %d", v, i)
		}
	}
}

func TestBitArray_Reset(t *testing.T) {
	a := NewBitArray(128)
	a.Set(5)
	a.Set(100)

	// Reset menor: zera in-place
	a.Reset(64)
	if a.Len() != 64 {
		t.Fatalf("expected len 64, got %d", a.Len())
	}
	if a.IsSet(5) {
		t.Fatal("expected bit 5 cleared after reset")
	}
	if got := a.CollectUnset(); len(got) != 64 {
		t.Fatalf("expected 64 unset bits after reset, got %d", len(got))
	}

	// Reset maior: realoca
	a.Reset(200)
	if a.Len() != 200 {
		t.Fatalf("expected len 200, got %d", a.Len())
	}
	if got := a.CollectUnset(); len(got) != 200 {
		t.Fatalf("expected 200 unset bits, got %d", len(got))
	}
}

func TestBitArray_ExactWordBoundary(t *testing.T) {
	a := NewBitArray(64)
	for i := uint32(0); i < 64; i++ {
		a.Set(i)
	}
	if got := a.CollectUnset(); len(got) != 0 {
		t.Fatalf("expected no unset bits at word boundary, got %v", got)
	}
}

func TestBitArray_OutOfRangePanics(t *testing.T) {
	a := NewBitArray(10)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out of range index")
		}
	}()
	a.Set(10)
}

func TestBitArray_ZeroLength(t *testing.T) {
	a := NewBitArray(0)
	if got := a.CollectUnset(); len(got) != 0 {
		t.Fatalf("expected empty unset list, got %v", got)
	}
}
