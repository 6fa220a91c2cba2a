// Copyright (c) 2024 The SecretRoom Authors.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package capacity

import "testing"

func TestThresholdsNotExceededBelowBounds(t *testing.T) {
	th := NewThresholds(10, 1000)
	th.Update(5, 500)
	if th.Exceeded() {
		t.Fatal("should not be exceeded below both bounds")
	}
}

func TestThresholdsExceededByCount(t *testing.T) {
	th := NewThresholds(10, 1000)
	th.Update(11, 10)
	if !th.Exceeded() {
		t.Fatal("should be exceeded once count crosses MaxCount")
	}
}

func TestThresholdsExceededByBytes(t *testing.T) {
	th := NewThresholds(10, 1000)
	th.Update(1, 1001)
	if !th.Exceeded() {
		t.Fatal("should be exceeded once bytes crosses MaxBytes")
	}
}

func TestThresholdsRecoversWhenBackWithinBounds(t *testing.T) {
	th := NewThresholds(10, 1000)
	th.Update(20, 2000)
	th.Update(1, 1)
	if th.Exceeded() {
		t.Fatal("should clear once back within bounds")
	}
}

func TestThresholdsZeroBoundIsUnbounded(t *testing.T) {
	th := NewThresholds(0, 0)
	th.Update(1<<30, 1<<40)
	if th.Exceeded() {
		t.Fatal("a zero bound should never be exceeded")
	}
}

func TestMemoryPressureSignal(t *testing.T) {
	m := NewMemoryPressure()
	if m.Exceeded() {
		t.Fatal("should start clear")
	}
	m.Signal(true)
	if !m.Exceeded() {
		t.Fatal("should assert after Signal(true)")
	}
	m.Signal(false)
	if m.Exceeded() {
		t.Fatal("should clear after Signal(false)")
	}
}
