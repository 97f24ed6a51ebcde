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

// Package ahci drives AHCI 1.3 host bus adapters: controller and port
// bring-up, ATA command submission through DMA command lists, interrupt
// demultiplexing and error recovery, plus the ATA device and GPT partition
// layers on top.
package ahci

import "github.com/lightbitslabs/ahci-virtio/pkg/hw"

// Generic host control registers (offsets into the ABAR).
const (
	HbaCap      = 0x00
	HbaGhc      = 0x04
	HbaIs       = 0x08
	HbaPi       = 0x0c
	HbaVs       = 0x10
	HbaCccCtl   = 0x14
	HbaCccPorts = 0x18
	HbaEmLoc    = 0x1c
	HbaEmCtl    = 0x20
	HbaCap2     = 0x24
	HbaBohc     = 0x28
)

const (
	GhcAe   = 1 << 31 // AHCI enable
	GhcMrsm = 1 << 2  // MSI revert to single message
	GhcIe   = 1 << 1  // interrupt enable
	GhcHr   = 1 << 0  // HBA reset
)

// Port register bank: the first port starts at 0x100, each bank is 0x80.
const (
	PortsBase = 0x100
	PortSpan  = 0x80
	MaxPorts  = 32
)

// Per-port registers (offsets into the port bank).
const (
	PortClb    = 0x00 // command list base
	PortClbu   = 0x04
	PortFb     = 0x08 // FIS receive base
	PortFbu    = 0x0c
	PortIs     = 0x10
	PortIe     = 0x14
	PortCmd    = 0x18
	PortTfd    = 0x20
	PortSig    = 0x24
	PortSsts   = 0x28
	PortSctl   = 0x2c
	PortSerr   = 0x30
	PortSact   = 0x34
	PortCi     = 0x38
	PortSntf   = 0x3c
	PortFbs    = 0x40
	PortDevslp = 0x44
	PortVs     = 0x70
)

// PxCMD bits.
const (
	CmdIcc   = 1 << 28
	CmdAsp   = 1 << 27
	CmdAlpe  = 1 << 26
	CmdDlae  = 1 << 25
	CmdAtapi = 1 << 24
	CmdCr    = 1 << 15 // command list running
	CmdFr    = 1 << 14 // FIS receive running
	CmdFre   = 1 << 4  // FIS receive enable
	CmdClo   = 1 << 3  // command list override
	CmdPod   = 1 << 2  // power on device
	CmdSud   = 1 << 1  // spin-up device
	CmdSt    = 1 << 0  // start
)

// PxTFD status bits.
const (
	TfdStsBsy = 1 << 7
	TfdStsDrq = 1 << 3
	TfdStsErr = 1 << 0
)

// PxIS bits and the masks the interrupt handler dispatches on.
const (
	IsCpds = 1 << 31 // cold port detect
	IsTfes = 1 << 30 // task file error
	IsHbfs = 1 << 29 // host bus fatal
	IsHbds = 1 << 28 // host bus data error
	IsIfs  = 1 << 27 // interface fatal
	IsInfs = 1 << 26 // interface non-fatal
	IsOfs  = 1 << 24 // overflow
	IsIpms = 1 << 23 // incorrect port multiplier
	IsPrcs = 1 << 22 // PhyRdy change
	IsDmps = 1 << 7  // mechanical presence
	IsPcs  = 1 << 6  // port connect change
	IsDps  = 1 << 5  // descriptor processed
	IsUfs  = 1 << 4  // unknown FIS
	IsSdbs = 1 << 3  // set device bits FIS
	IsDss  = 1 << 2  // DMA setup FIS
	IsPss  = 1 << 1  // PIO setup FIS
	IsDhrs = 1 << 0  // D2H register FIS

	IsMaskStatus   = IsCpds | IsPrcs | IsDmps | IsPcs
	IsMaskFatal    = IsTfes | IsHbfs | IsHbds | IsIfs
	IsMaskError    = IsInfs | IsOfs
	IsMaskData     = IsDps | IsUfs | IsSdbs | IsDss | IsPss | IsDhrs
	IsMaskNonFatal = IsMaskStatus | IsMaskError | IsMaskData
)

// Device signatures as reported in PxSIG.
const (
	SigAta   = 0x00000101
	SigAtapi = 0xeb140101
	SigPmp   = 0x96690101
	SigSemb  = 0xc33c0101
)

// Features decodes the HBA capability register.
type Features uint32

func (f Features) S64A() bool  { return f&(1<<31) != 0 } // 64-bit addressing
func (f Features) SNCQ() bool  { return f&(1<<30) != 0 } // native command queuing
func (f Features) SCLO() bool  { return f&(1<<24) != 0 } // command list override
func (f Features) SAM() bool   { return f&(1<<18) != 0 } // AHCI mode only
func (f Features) NCS() int    { return int(f>>8) & 0x1f }
func (f Features) NP() int     { return int(f) & 0x1f }

// ATA command opcodes used by the driver.
const (
	AtaIdDevice       = 0xec
	AtaIdPacketDevice = 0xa1
	AtaReadDma        = 0xc8
	AtaReadDmaExt     = 0x25
	AtaReadSector     = 0x20
	AtaReadSectorExt  = 0x24
	AtaWriteDma       = 0xca
	AtaWriteDmaExt    = 0x35
	AtaWriteSector    = 0x30
	AtaWriteSectorExt = 0x34
)

// Command header flags (lower word; the upper word carries PRDTL).
const (
	ChfPrefetchable = 0x1
	ChfWrite        = 0x2
	ChfAtapi        = 0x4
)

const (
	fisTypeRegH2D = 0x27
	fisRegCFlag   = 1 << 7 // command FIS, not device control
)

// DataBlock is one scatter-gather entry: a bus address and a byte count.
// The same shape serves as the client-facing scatter list and as the PRD
// source when a command is placed into a slot.
type DataBlock struct {
	Addr hw.BusAddr
	Size uint32
}

// Taskfile is the ATA register image the port engine turns into a
// host-to-device FIS plus PRD table.
type Taskfile struct {
	LBA      uint64 // 48 bits used at most
	Features uint16
	Count    uint16
	Device   uint8
	Command  uint8
	ICC      uint8
	Control  uint8

	Flags uint32 // ChfWrite and friends

	Blocks     []DataBlock
	SectorSize uint32
}

// Layout of the per-port DMA block: a fixed command list, the FIS receive
// area and one command table per slot.
const (
	cmdHeaderBytes = 32
	cmdListBytes   = MaxPorts * cmdHeaderBytes // always room for 32 headers
	fisRxBytes     = 256

	cmdTableCfis = 64
	cmdTableAcmd = 64 // ACMD plus reserved, only 16 bytes carry data
	prdBytes     = 16

	// MaxPRDs bounds the scatter list of a single command. The resulting
	// table is 0xb00 bytes.
	MaxPRDs = 168

	cmdTableBytes = cmdTableCfis + cmdTableAcmd + MaxPRDs*prdBytes
)
