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

// Package virtioblk exposes block devices to clients through the
// virtio-block interface (v1, legacy feature layout): it parses descriptor
// chains from the client's available ring, feeds them through the request
// pipeline and completes them in the used ring.
package virtioblk

import (
	"encoding/binary"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
)

// Dataspace is a chunk of client memory shared with the device, attached
// at a client-chosen base address. The bus mapping established for it
// during request admission is cached per request.
type Dataspace struct {
	Base uint64
	Mem  []byte
}

// Bytes implements hw.Dataspace.
func (d *Dataspace) Bytes() []byte { return d.Mem }

// MemRegistry tracks the dataspaces one client has registered. The
// registry is bounded by the num_ds value negotiated at connection setup.
type MemRegistry struct {
	spaces []*Dataspace
	max    int
}

// NewMemRegistry creates a registry admitting up to max dataspaces.
func NewMemRegistry(max int) *MemRegistry {
	return &MemRegistry{max: max}
}

// Register adds a dataspace. Fails with ResourceExhausted once the
// negotiated limit is reached.
func (m *MemRegistry) Register(ds *Dataspace) error {
	if len(m.spaces) >= m.max {
		return ahci.Errorf(ahci.ResourceExhausted, "client registered %d dataspaces already", m.max)
	}
	m.spaces = append(m.spaces, ds)
	return nil
}

// Find resolves a guest address range to the dataspace containing it
// entirely. Ranges outside any dataspace are bad descriptors.
func (m *MemRegistry) Find(addr uint64, size uint32) (*Dataspace, error) {
	for _, ds := range m.spaces {
		if addr >= ds.Base && addr+uint64(size) <= ds.Base+uint64(len(ds.Mem)) {
			return ds, nil
		}
	}
	return nil, ahci.Errorf(ahci.BadDescriptor, "address 0x%x+%d outside registered memory", addr, size)
}

func (m *MemRegistry) read(addr uint64, buf []byte) error {
	ds, err := m.Find(addr, uint32(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, ds.Mem[addr-ds.Base:])
	return nil
}

func (m *MemRegistry) write(addr uint64, data []byte) error {
	ds, err := m.Find(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(ds.Mem[addr-ds.Base:], data)
	return nil
}

// Virtqueue descriptor flags.
const (
	descFNext  = 1
	descFWrite = 2
)

// Desc is one entry of the descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is the device side of one split virtqueue living in client memory.
type Queue struct {
	mem *MemRegistry

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64
	size      uint16
	ready     bool

	lastAvail uint16
	usedIdx   uint16
}

// Setup points the queue at the rings the client has laid out.
func (q *Queue) Setup(desc, avail, used uint64, size uint16) error {
	if size == 0 || size&(size-1) != 0 {
		return ahci.Errorf(ahci.InvalidArgument, "queue size %d is not a power of two", size)
	}
	q.descAddr = desc
	q.availAddr = avail
	q.usedAddr = used
	q.size = size
	q.lastAvail = 0
	q.usedIdx = 0
	q.ready = true
	return nil
}

// Disable marks the queue unusable until the next Setup.
func (q *Queue) Disable() { q.ready = false }

// Ready reports whether the client has configured the rings.
func (q *Queue) Ready() bool { return q.ready }

// Size returns the configured ring size.
func (q *Queue) Size() uint16 { return q.size }

// ReadDesc fetches a descriptor from the table.
func (q *Queue) ReadDesc(idx uint16) (Desc, error) {
	if idx >= q.size {
		return Desc{}, ahci.Errorf(ahci.BadDescriptor, "descriptor index %d out of bounds", idx)
	}
	var buf [16]byte
	if err := q.mem.read(q.descAddr+uint64(idx)*16, buf[:]); err != nil {
		return Desc{}, err
	}
	return Desc{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// NextAvail pulls the next descriptor chain head off the available ring.
func (q *Queue) NextAvail() (head uint16, ok bool, err error) {
	if !q.ready {
		return 0, false, nil
	}
	var hdr [4]byte
	if err := q.mem.read(q.availAddr, hdr[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(hdr[2:4])
	if q.lastAvail == availIdx {
		return 0, false, nil
	}

	var buf [2]byte
	off := q.availAddr + 4 + uint64(q.lastAvail%q.size)*2
	if err := q.mem.read(off, buf[:]); err != nil {
		return 0, false, err
	}
	q.lastAvail++
	return binary.LittleEndian.Uint16(buf[:]), true, nil
}

// Consume returns a chain to the client through the used ring, recording
// the number of bytes written to device-writable buffers.
func (q *Queue) Consume(head uint16, written uint32) error {
	base := q.usedAddr + 4 + uint64(q.usedIdx%q.size)*8

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := q.mem.write(base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return q.mem.write(q.usedAddr+2, idx[:])
}
