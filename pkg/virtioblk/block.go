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

package virtioblk

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
)

// Virtio block request types.
const (
	TIn    = 0
	TOut   = 1
	TFlush = 4
	TGetID = 8
)

// Status byte values written back to the client.
const (
	StatusOK     = 0
	StatusIoErr  = 1
	StatusUnsupp = 2
)

// Feature bits, legacy layout.
const (
	FeatureSizeMax          = 1 << 1
	FeatureSegMax           = 1 << 2
	FeatureGeometry         = 1 << 4
	FeatureRO               = 1 << 5
	FeatureBlkSize          = 1 << 6
	FeatureTopology         = 1 << 10
	FeatureRingIndirectDesc = 1 << 28
)

// BlockHeader leads every request chain.
type BlockHeader struct {
	Type   uint32 `struc:"uint32,little"`
	IoPrio uint32 `struc:"uint32,little"`
	Sector uint64 `struc:"uint64,little"` // in 512-byte units
}

const headerSize = 16

// DefaultSizeMax bounds a single scatter segment.
const DefaultSizeMax = 0x400000 // 4 MiB

const defaultQueueSize = 0x100

// DataSlice is one scatter entry of a request, expressed as a range within
// a registered dataspace.
type DataSlice struct {
	DS  *Dataspace
	Off uint64
	Len uint32
}

// dsMapping is one bus mapping held by a request for the duration of its
// flight.
type dsMapping struct {
	ds   *Dataspace
	phys hw.BusAddr
	dir  hw.Direction
}

// Request is one virtio block request pulled from the available ring. The
// originating chain is owned by the request until it is finalized.
type Request struct {
	Header BlockHeader
	Data   []DataSlice
	Status byte

	head      uint16
	statusDS  *Dataspace
	statusOff uint64

	// request pipeline state
	flags    uint32
	dir      hw.Direction
	blocks   []ahci.DataBlock
	mappings []dsMapping
}

// Config mirrors the virtio-block device configuration space.
type Config struct {
	Capacity uint64 // in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	BlkSize  uint32
}

// backend implements the actual data processing behind the front end.
type backend interface {
	// processRequest takes ownership of the request; returning false
	// stops the kick walk (the queue is saturated).
	processRequest(r *Request) bool
	// queueStopped suspends chain processing while pending requests wait.
	queueStopped() bool
}

// BlockDev is the virtio-block front end of one device: queue parsing,
// status delivery and client notification.
type BlockDev struct {
	mem      *MemRegistry
	queue    Queue
	vqMax    uint16
	maxBlock uint32
	features uint64
	config   Config
	failed   bool
	kickIRQ  func()
	be       backend
	log      *logrus.Entry
}

// NewBlockDev sets up a front end for a device of the given capacity.
func NewBlockDev(config Config, readOnly bool, numds int, log *logrus.Entry) *BlockDev {
	b := &BlockDev{
		mem:      NewMemRegistry(numds),
		vqMax:    defaultQueueSize,
		maxBlock: config.SizeMax,
		config:   config,
		log:      log,
	}
	b.queue.mem = b.mem

	b.features = FeatureRingIndirectDesc | FeatureSizeMax | FeatureSegMax | FeatureBlkSize
	if readOnly {
		b.features |= FeatureRO
	}
	return b
}

// Mem returns the registry the client registers its dataspaces with.
func (b *BlockDev) Mem() *MemRegistry { return b.mem }

// Queue gives access to the request virtqueue for ring configuration.
func (b *BlockDev) Queue() *Queue { return &b.queue }

// DeviceConfig returns the configuration space content.
func (b *BlockDev) DeviceConfig() Config { return b.config }

// Features returns the advertised host feature bits.
func (b *BlockDev) Features() uint64 { return b.features }

// Failed reports whether the device entered the failed state after a bad
// descriptor. Only a client reset clears it.
func (b *BlockDev) Failed() bool { return b.failed }

// SetKickHandler installs the client notification hook, invoked after each
// completion lands in the used ring.
func (b *BlockDev) SetKickHandler(fn func()) { b.kickIRQ = fn }

// Reset returns the device to its initial state on behalf of the client.
func (b *BlockDev) Reset() {
	b.queue.Disable()
	b.failed = false
}

// Kick processes the available ring until it drains, the device fails, or
// the backend asks to stop.
func (b *BlockDev) Kick() {
	if b.be.queueStopped() {
		return
	}

	for !b.failed {
		head, ok, err := b.queue.NextAvail()
		if err != nil {
			b.log.WithError(err).Warnf("available ring unreadable")
			b.failed = true
			return
		}
		if !ok {
			return
		}

		req, err := b.parseChain(head)
		if err != nil {
			b.log.Warnf("bad descriptor received: %v", err)
			b.failed = true
			b.queue.Consume(head, 0)
			continue
		}

		if req.Status != StatusOK {
			b.FinalizeRequest(req, 0)
		} else if !b.be.processRequest(req) {
			return
		}
	}
}

// parseChain walks one descriptor chain: header first, scatter blocks
// after, the trailing byte of the last block is the status byte.
func (b *BlockDev) parseChain(head uint16) (*Request, error) {
	req := &Request{head: head, Status: StatusOK}

	idx := head
	processed := 0
	first := true
	for {
		desc, err := b.queue.ReadDesc(idx)
		if err != nil {
			return nil, err
		}
		if processed++; processed > int(b.vqMax) {
			return nil, ahci.Errorf(ahci.BadDescriptor, "chain exceeds queue size")
		}

		if first {
			if desc.Len < headerSize {
				return nil, ahci.Errorf(ahci.BadDescriptor, "header of bad length %d", desc.Len)
			}
			var hdr [headerSize]byte
			if err := b.mem.read(desc.Addr, hdr[:]); err != nil {
				return nil, err
			}
			if err := struc.Unpack(bytes.NewReader(hdr[:]), &req.Header); err != nil {
				return nil, ahci.Errorf(ahci.BadDescriptor, "undecodable header")
			}
			if desc.Flags&descFNext == 0 {
				// no room for the status byte, cannot recover
				return nil, ahci.Errorf(ahci.BadDescriptor, "cannot find status byte")
			}
			first = false
			idx = desc.Next
			continue
		}

		ds, err := b.mem.Find(desc.Addr, desc.Len)
		if err != nil {
			return nil, err
		}

		if desc.Len > b.maxBlock {
			// keep walking so the status byte can still be written
			req.Status = StatusUnsupp
		}

		dlen := desc.Len
		last := desc.Flags&descFNext == 0
		if last {
			dlen--
		}

		if req.Status == StatusOK && dlen > 0 {
			req.Data = append(req.Data, DataSlice{DS: ds, Off: desc.Addr - ds.Base, Len: dlen})
		}

		if last {
			req.statusDS = ds
			req.statusOff = desc.Addr - ds.Base + uint64(dlen)
			return req, nil
		}
		idx = desc.Next
	}
}

// FinalizeRequest writes the status byte, returns the chain to the used
// ring with the transferred byte count and raises the client interrupt.
func (b *BlockDev) FinalizeRequest(req *Request, written uint32) {
	b.log.Tracef("sector %d finalized with status %d", req.Header.Sector, req.Status)

	req.statusDS.Mem[req.statusOff] = req.Status

	b.queue.Consume(req.head, written)

	if b.kickIRQ != nil {
		b.kickIRQ()
	}
}
