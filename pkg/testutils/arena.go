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

// Package testutils provides a software model of an AHCI controller with
// attached disks, plus a flat DMA arena, so the whole driver stack can be
// exercised without hardware.
package testutils

import (
	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
)

// busBase offsets all bus addresses handed out by the arena, so that a bus
// address is never a plain slice offset by accident.
const busBase = 0x10000000

// Arena is a flat piece of memory standing in for the machine's DMA-able
// RAM. It implements hw.DmaSpace; every dataspace that should be mappable
// must have been allocated from the arena.
type Arena struct {
	mem    []byte
	next   uint64
	ranges map[*byte]uint64 // first element -> arena offset

	// MapLimit, when non-zero, fails mappings larger than the limit with
	// ResourceExhausted, emulating a constrained IO-MMU.
	MapLimit uint64

	Maps   int
	Unmaps int
}

// NewArena creates an arena of the given size.
func NewArena(size int) *Arena {
	return &Arena{
		mem:    make([]byte, size),
		ranges: make(map[*byte]uint64),
	}
}

// Alloc carves a buffer out of the arena. The buffer is usable as backing
// memory for dataspaces shared with the simulated device.
func (a *Arena) Alloc(size uint64) []byte {
	if a.next+size > uint64(len(a.mem)) {
		panic("testutils: arena exhausted")
	}
	buf := a.mem[a.next : a.next+size : a.next+size]
	a.ranges[&buf[0]] = a.next
	a.next += size
	return buf
}

// offsetOf locates a buffer previously handed out by Alloc.
func (a *Arena) offsetOf(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	off, ok := a.ranges[&b[0]]
	return off, ok
}

// AtBus returns the arena memory backing a device-visible address range.
func (a *Arena) AtBus(addr hw.BusAddr, size uint32) []byte {
	off := uint64(addr) - busBase
	return a.mem[off : off+uint64(size)]
}

// Map implements hw.DmaSpace.
func (a *Arena) Map(ds hw.Dataspace, offset, size uint64, dir hw.Direction) (hw.BusAddr, error) {
	if a.MapLimit != 0 && size > a.MapLimit {
		return 0, ahci.Errorf(ahci.ResourceExhausted, "mapping of %d bytes exceeds IO-MMU window", size)
	}
	base, ok := a.offsetOf(ds.Bytes())
	if !ok {
		return 0, ahci.Errorf(ahci.InvalidArgument, "dataspace not backed by arena memory")
	}
	if offset+size > uint64(len(ds.Bytes())) {
		return 0, ahci.Errorf(ahci.ResourceExhausted, "mapping beyond end of dataspace")
	}
	a.Maps++
	return hw.BusAddr(busBase + base + offset), nil
}

// Unmap implements hw.DmaSpace.
func (a *Arena) Unmap(addr hw.BusAddr, size uint64, dir hw.Direction) error {
	a.Unmaps++
	return nil
}

// AllocRegion implements hw.DmaSpace.
func (a *Arena) AllocRegion(size uint64, dir hw.Direction) (*hw.Region, error) {
	buf := a.Alloc(size)
	off, _ := a.offsetOf(buf)
	return hw.NewRegion(buf, hw.BusAddr(busBase+off), dir, func() {}), nil
}

var _ hw.DmaSpace = (*Arena)(nil)
