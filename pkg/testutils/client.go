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

package testutils

import (
	"encoding/binary"

	"github.com/lightbitslabs/ahci-virtio/pkg/virtioblk"
)

// VirtioClient drives a virtioblk.Interface the way a guest would: it owns
// one dataspace holding the rings and data buffers, builds descriptor
// chains and watches the used ring.
type VirtioClient struct {
	iface *virtioblk.Interface
	ds    *virtioblk.Dataspace

	qsize    uint16
	descOff  uint64
	availOff uint64
	usedOff  uint64
	dataOff  uint64

	nextDesc uint16
	availIdx uint16
	lastUsed uint16

	// Kicks counts completion interrupts received from the device.
	Kicks int
}

const clientQueueSize = 64

// guestBase is where the client attaches its dataspace.
const guestBase = 0x40000000

// NewVirtioClient registers a dataspace with the interface and configures
// the request queue inside it.
func NewVirtioClient(arena *Arena, iface *virtioblk.Interface, dataBytes uint64) (*VirtioClient, error) {
	descBytes := uint64(clientQueueSize) * 16
	availBytes := uint64(4 + clientQueueSize*2)
	usedBytes := uint64(4 + clientQueueSize*8)

	c := &VirtioClient{
		iface:    iface,
		qsize:    clientQueueSize,
		descOff:  0,
		availOff: descBytes,
		usedOff:  descBytes + availBytes,
		dataOff:  descBytes + availBytes + usedBytes,
	}

	mem := arena.Alloc(c.dataOff + dataBytes)
	c.ds = &virtioblk.Dataspace{Base: guestBase, Mem: mem}

	if err := iface.Mem().Register(c.ds); err != nil {
		return nil, err
	}
	if err := iface.Queue().Setup(guestBase+c.descOff, guestBase+c.availOff,
		guestBase+c.usedOff, c.qsize); err != nil {
		return nil, err
	}
	iface.SetKickHandler(func() { c.Kicks++ })
	return c, nil
}

// AllocBuffer hands out a data buffer inside the client's dataspace.
func (c *VirtioClient) AllocBuffer(size uint64) (addr uint64, buf []byte) {
	off := c.dataOff
	c.dataOff += size
	if c.dataOff > uint64(len(c.ds.Mem)) {
		panic("testutils: client dataspace exhausted")
	}
	return guestBase + off, c.ds.Mem[off : off+size : off+size]
}

func (c *VirtioClient) writeDesc(idx uint16, addr uint64, length uint32, flags, next uint16) {
	d := c.ds.Mem[c.descOff+uint64(idx)*16:]
	binary.LittleEndian.PutUint64(d[0:], addr)
	binary.LittleEndian.PutUint32(d[8:], length)
	binary.LittleEndian.PutUint16(d[12:], flags)
	binary.LittleEndian.PutUint16(d[14:], next)
}

const (
	descFNext  = 1
	descFWrite = 2
)

// Submit places a request chain into the available ring: a header
// descriptor, the given data descriptors and a one-byte status descriptor.
// It returns the chain head and the status buffer.
func (c *VirtioClient) Submit(reqType uint32, sector uint64, data ...DataDesc) (head uint16, status []byte) {
	hdrAddr, hdr := c.AllocBuffer(16)
	binary.LittleEndian.PutUint32(hdr[0:], reqType)
	binary.LittleEndian.PutUint64(hdr[8:], sector)

	statusAddr, statusBuf := c.AllocBuffer(1)
	statusBuf[0] = 0xff

	head = c.nextDesc
	idx := head
	c.nextDesc++
	next := c.nextDesc

	c.writeDesc(idx, hdrAddr, 16, descFNext, next)

	for _, d := range data {
		idx = next
		c.nextDesc++
		next = c.nextDesc
		flags := uint16(descFNext)
		if d.Write {
			flags |= descFWrite
		}
		c.writeDesc(idx, d.Addr, d.Len, flags, next)
	}

	idx = next
	c.nextDesc++
	c.writeDesc(idx, statusAddr, 1, descFWrite, 0)

	c.pushAvail(head)
	return head, statusBuf
}

// SubmitRaw places a pre-built chain head into the available ring.
func (c *VirtioClient) SubmitRaw(head uint16) {
	c.pushAvail(head)
}

// BuildDesc writes a single descriptor and returns its index. For chains
// the caller constructs manually.
func (c *VirtioClient) BuildDesc(addr uint64, length uint32, flags uint16, next uint16) uint16 {
	idx := c.nextDesc
	c.nextDesc++
	c.writeDesc(idx, addr, length, flags, next)
	return idx
}

// DataDesc describes one payload descriptor of a chain.
type DataDesc struct {
	Addr  uint64
	Len   uint32
	Write bool // device-writable (read request)
}

func (c *VirtioClient) pushAvail(head uint16) {
	ring := c.ds.Mem[c.availOff:]
	binary.LittleEndian.PutUint16(ring[4+uint64(c.availIdx%c.qsize)*2:], head)
	c.availIdx++
	binary.LittleEndian.PutUint16(ring[2:], c.availIdx)
}

// Kick notifies the device of new available buffers.
func (c *VirtioClient) Kick() { c.iface.Kick() }

// UsedElem is one completion in the used ring.
type UsedElem struct {
	Head    uint16
	Written uint32
}

// Used drains the used-ring entries the client has not seen yet.
func (c *VirtioClient) Used() []UsedElem {
	ring := c.ds.Mem[c.usedOff:]
	idx := binary.LittleEndian.Uint16(ring[2:4])

	var elems []UsedElem
	for c.lastUsed != idx {
		e := ring[4+uint64(c.lastUsed%c.qsize)*8:]
		elems = append(elems, UsedElem{
			Head:    uint16(binary.LittleEndian.Uint32(e[0:4])),
			Written: binary.LittleEndian.Uint32(e[4:8]),
		})
		c.lastUsed++
	}
	return elems
}
