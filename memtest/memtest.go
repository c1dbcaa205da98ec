// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memtest fills and validates AFU attached memory with an
// address pattern: the 64 bit word i of a window based at byte offset o
// holds o + i*8. A word holding anything else pinpoints the failing
// device address.
package memtest

import "encoding/binary"

// WordSize is the width of one pattern word in bytes.
const WordSize = 8

// Mismatch is one word that did not hold its expected pattern value.
type Mismatch struct {
	Index uint64 // word index inside the window
	Want  uint64
	Got   uint64
}

// Fill writes the pattern over mem, whose first byte sits at offset base
// of the device memory, and returns the number of words written.
// Trailing bytes past the last whole word are left untouched.
func Fill(mem []byte, base uint64, order binary.ByteOrder) uint64 {
	words := uint64(len(mem)) / WordSize
	for i := uint64(0); i < words; i++ {
		order.PutUint64(mem[i*WordSize:], base+i*WordSize)
	}
	return words
}

// Verify checks the pattern over mem and reports every deviating word to
// bad, if non-nil. It returns the number of words checked and the number
// that mismatched. Verification never stops early.
func Verify(mem []byte, base uint64, order binary.ByteOrder, bad func(Mismatch)) (words, mismatches uint64) {
	words = uint64(len(mem)) / WordSize
	for i := uint64(0); i < words; i++ {
		want := base + i*WordSize
		if got := order.Uint64(mem[i*WordSize:]); got != want {
			mismatches++
			if bad != nil {
				bad(Mismatch{Index: i, Want: want, Got: got})
			}
		}
	}
	return words, mismatches
}
