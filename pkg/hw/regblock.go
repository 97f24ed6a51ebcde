// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hw

import (
	"sync/atomic"
	"unsafe"
)

// RegBlock provides 32-bit little-endian register access to a device BAR.
// Implementations must perform volatile accesses; neither reads nor writes
// may be elided or reordered against each other.
type RegBlock interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// Set32 sets bits in the register at off.
func Set32(r RegBlock, off uint32, bits uint32) {
	r.Write32(off, r.Read32(off)|bits)
}

// Clear32 clears bits in the register at off.
func Clear32(r RegBlock, off uint32, bits uint32) {
	r.Write32(off, r.Read32(off)&^bits)
}

// Mmio32 is a RegBlock over memory-mapped device registers. All accesses go
// through sync/atomic so the compiler cannot coalesce or elide them.
type Mmio32 struct {
	base uintptr
}

// The reference forces the build to fail on big-endian targets, which have
// no littleEndianHost definition.
var _ = littleEndianHost

// NewMmio32 wraps the device registers mapped at base.
func NewMmio32(base uintptr) *Mmio32 {
	return &Mmio32{base: base}
}

func (m *Mmio32) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(m.base + uintptr(off))))
}

func (m *Mmio32) Write32(off uint32, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(m.base+uintptr(off))), val)
}

// OffsetRegs is a RegBlock view shifted by a fixed offset, for devices that
// stride register banks within one BAR.
type OffsetRegs struct {
	parent RegBlock
	shift  uint32
}

func NewOffsetRegs(parent RegBlock, shift uint32) *OffsetRegs {
	return &OffsetRegs{parent: parent, shift: shift}
}

func (o *OffsetRegs) Read32(off uint32) uint32 {
	return o.parent.Read32(o.shift + off)
}

func (o *OffsetRegs) Write32(off uint32, val uint32) {
	o.parent.Write32(o.shift+off, val)
}
