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

package ahci

import (
	"bytes"
	"strings"
	"time"

	"github.com/lunixbochs/struc"
	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
)

// InOutCallback reports completion of a data transfer.
type InOutCallback func(err error, transferred uint32)

// Device is the operations interface over a disk or a partitioned view of
// one.
type Device interface {
	Info() *DeviceInfo
	// InOutData transfers the scatter list at the given device sector.
	// Flags carry ChfWrite for writes. The callback fires exactly once,
	// from the dispatch loop.
	InOutData(sector uint64, blocks []DataBlock, cb InOutCallback, flags uint32) error
	ResetDevice()
	DmaSpace() hw.DmaSpace
	// MaxInFlight returns how many requests the device admits in parallel.
	MaxInFlight() int
	StartDeviceScan(cb errand.Callback)
}

// DeviceInfo collects the hardware configuration relevant for the driver.
type DeviceInfo struct {
	// HID is the name clients use: the trimmed serial number for disks,
	// the partition GUID for partitions.
	HID string

	SerialNumber string
	ModelNumber  string
	FirmwareRev  string
	AtaMajorRev  uint16
	AtaMinorRev  uint16

	SectorSize uint32
	NumSectors uint64

	Features struct {
		LBA      bool
		DMA      bool
		LongAddr bool // 48-bit LBA enabled
		S64A     bool // bus supports 64-bit addressing
		RO       bool
	}
}

// Capacity returns the device size in bytes.
func (di *DeviceInfo) Capacity() uint64 {
	return di.NumSectors * uint64(di.SectorSize)
}

// identifyPage is the 512-byte response of IDENTIFY DEVICE. Only the words
// the driver consumes are named; everything else is padding.
type identifyPage struct {
	Pad0          [10]uint16 `struc:"[10]uint16,little"` // words 0-9
	Serial        [20]uint8  `struc:"[20]uint8"`         // words 10-19
	Pad1          [3]uint16  `struc:"[3]uint16,little"`  // words 20-22
	Firmware      [8]uint8   `struc:"[8]uint8"`          // words 23-26
	Model         [40]uint8  `struc:"[40]uint8"`         // words 27-46
	Pad2          [2]uint16  `struc:"[2]uint16,little"`  // words 47-48
	Capabilities  uint16     `struc:"uint16,little"`     // word 49
	Pad3          [10]uint16 `struc:"[10]uint16,little"` // words 50-59
	LbaSectors    uint32     `struc:"uint32,little"`     // words 60-61
	Pad4          [13]uint16 `struc:"[13]uint16,little"` // words 62-74
	QueueDepth    uint16     `struc:"uint16,little"`     // word 75
	SataCaps      uint16     `struc:"uint16,little"`     // word 76
	Pad5          [3]uint16  `struc:"[3]uint16,little"`  // words 77-79
	AtaMajorRev   uint16     `struc:"uint16,little"`     // word 80
	AtaMinorRev   uint16     `struc:"uint16,little"`     // word 81
	Pad6          [3]uint16  `struc:"[3]uint16,little"`  // words 82-84
	Features85    uint16     `struc:"uint16,little"`     // word 85
	Features86    uint16     `struc:"uint16,little"`     // word 86
	Features87    uint16     `struc:"uint16,little"`     // word 87
	UdmaMode      uint16     `struc:"uint16,little"`     // word 88
	Pad7          [11]uint16 `struc:"[11]uint16,little"` // words 89-99
	Lba48Sectors  uint64     `struc:"uint64,little"`     // words 100-103
	Pad8          [13]uint16 `struc:"[13]uint16,little"` // words 104-116
	LogSectorSize uint32     `struc:"uint32,little"`     // words 117-118
	Pad9          [137]uint16 `struc:"[137]uint16,little"` // words 119-255
}

const (
	capLba = 1 << 9 // word 49
	capDma = 1 << 8

	feature86Lba48 = 1 << 10
)

// idString decodes an ATA identify string: characters are byte-swapped
// within each 16-bit word.
func idString(raw []uint8) string {
	s := make([]uint8, len(raw))
	for i := 0; i+1 < len(raw); i += 2 {
		s[i] = raw[i+1]
		s[i+1] = raw[i]
	}
	return string(s)
}

func (di *DeviceInfo) setIdentify(page *identifyPage) {
	di.SerialNumber = idString(page.Serial[:])
	di.FirmwareRev = idString(page.Firmware[:])
	di.ModelNumber = idString(page.Model[:])

	di.AtaMajorRev = page.AtaMajorRev
	if di.AtaMajorRev == 0xffff {
		// unreported version
		di.AtaMajorRev = 0
	}
	di.AtaMinorRev = page.AtaMinorRev

	di.HID = strings.TrimRight(di.SerialNumber, " ")

	di.Features.LBA = page.Capabilities&capLba != 0
	di.Features.DMA = page.Capabilities&capDma != 0
	di.Features.LongAddr = page.Features86&feature86Lba48 != 0
	di.Features.RO = false

	di.SectorSize = 2 * page.LogSectorSize
	if di.SectorSize < 512 {
		di.SectorSize = 512
	}
	if di.Features.LongAddr {
		di.NumSectors = page.Lba48Sectors
	} else {
		di.NumSectors = uint64(page.LbaSectors)
	}
}

// AtaDevice speaks the ATA protocol over one AHCI port.
type AtaDevice struct {
	port    *Port
	devinfo DeviceInfo
	errands *errand.Queue
	log     *logrus.Entry
}

// IsCompatiblePort reports whether the port carries a device this driver
// can operate.
func IsCompatiblePort(p *Port) bool {
	return p.DeviceType() == DevAta
}

// NewDevice creates a device for a scanned, ready port. Returns nil for
// device types the driver does not operate.
func NewDevice(p *Port, q *errand.Queue, log *logrus.Entry) *AtaDevice {
	if !IsCompatiblePort(p) {
		return nil
	}
	return &AtaDevice{
		port:    p,
		errands: q,
		log:     log.WithField("device", p.Num()),
	}
}

func (d *AtaDevice) Info() *DeviceInfo     { return &d.devinfo }
func (d *AtaDevice) DmaSpace() hw.DmaSpace { return d.port.DmaSpace() }
func (d *AtaDevice) MaxInFlight() int      { return d.port.MaxSlots() }
func (d *AtaDevice) Port() *Port           { return d.port }

// ResetDevice schedules a full port reset.
func (d *AtaDevice) ResetDevice() {
	d.port.Reset(func() {})
}

// IDENTIFY is retried while the port reports Busy: 10 attempts, 10 ms
// apart.
const (
	identifyRetries  = 10
	identifyInterval = 10 * time.Millisecond
)

// StartDeviceScan issues IDENTIFY DEVICE and fills in the device info. The
// callback fires once the info page has been decoded or the scan failed;
// failure leaves NumSectors zero.
func (d *AtaDevice) StartDeviceScan(callback errand.Callback) {
	infopage, err := d.DmaSpace().AllocRegion(512, hw.FromDevice)
	if err != nil {
		d.log.WithError(err).Errorf("allocating identify page")
		callback()
		return
	}

	d.log.Debugf("reading device info")

	cb := func(err error, _ uint32) {
		defer infopage.Free()
		if err != nil {
			d.log.WithError(err).Errorf("identify failed")
			callback()
			return
		}

		d.devinfo.Features.S64A = d.port.BusWidth() == 64

		var page identifyPage
		if err := struc.Unpack(bytes.NewReader(infopage.Bytes()), &page); err != nil {
			d.log.WithError(err).Errorf("decoding identify page")
			callback()
			return
		}
		d.devinfo.setIdentify(&page)

		d.log.Infof("serial number: <%s>", d.devinfo.SerialNumber)
		d.log.Infof("model number: <%s>", d.devinfo.ModelNumber)
		d.log.Infof("LBA: %v  DMA: %v  LBA48: %v", d.devinfo.Features.LBA,
			d.devinfo.Features.DMA, d.devinfo.Features.LongAddr)
		d.log.Infof("number of sectors: %d, sector size: %d",
			d.devinfo.NumSectors, d.devinfo.SectorSize)
		callback()
	}

	task := Taskfile{
		Command: AtaIdDevice,
		Count:   1,
		Blocks:  []DataBlock{{Addr: infopage.Bus(), Size: 512}},
	}

	d.errands.Poll(identifyRetries, identifyInterval,
		func() bool {
			_, err := d.port.SendCommand(&task, cb)
			if err != nil && !IsKind(err, Busy) {
				d.log.WithError(err).Errorf("issuing identify")
				infopage.Free()
				callback()
			}
			return !IsKind(err, Busy)
		},
		func(ok bool) {
			if !ok {
				infopage.Free()
				callback()
			}
		})
}

// InOutData validates the request against the device's addressing mode and
// hands it to the port.
func (d *AtaDevice) InOutData(sector uint64, blocks []DataBlock, cb InOutCallback, flags uint32) error {
	var numbytes uint64
	for _, b := range blocks {
		if b.Size == 0 || b.Size%d.devinfo.SectorSize != 0 {
			return Errorf(InvalidArgument, "data blocks must carry full sectors")
		}
		numbytes += uint64(b.Size)
	}
	numsec := numbytes / uint64(d.devinfo.SectorSize)

	// 32-bit-bus devices cannot reach beyond 4G sectors on a 64-bit host
	if hostBits == 64 && !d.devinfo.Features.S64A && sector >= 1<<32 {
		return Errorf(InvalidArgument, "64bit address for 32bit device")
	}

	if d.devinfo.Features.LongAddr {
		if numsec == 0 || numsec > 65536 || sector >= 1<<48 {
			return Errorf(InvalidArgument, "sector number out of range")
		}
		if numsec == 65536 {
			numsec = 0
		}
	} else {
		if numsec == 0 || numsec > 256 || sector >= 1<<28 {
			return Errorf(InvalidArgument, "sector number out of range")
		}
		if numsec == 256 {
			numsec = 0
		}
	}

	task := Taskfile{
		LBA:        sector,
		Count:      uint16(numsec),
		Device:     0x40, // LBA mode
		Command:    d.commandFor(flags),
		Flags:      flags,
		Blocks:     blocks,
		SectorSize: d.devinfo.SectorSize,
	}

	slot, err := d.port.SendCommand(&task, SlotCallback(cb))
	if err != nil {
		return err
	}
	d.log.Tracef("IO to disk starting sector %d via slot %d", sector, slot)
	return nil
}

func (d *AtaDevice) commandFor(flags uint32) uint8 {
	write := flags&ChfWrite != 0
	dma := d.devinfo.Features.DMA
	ext := d.devinfo.Features.LongAddr

	switch {
	case write && dma && ext:
		return AtaWriteDmaExt
	case write && dma:
		return AtaWriteDma
	case write && ext:
		return AtaWriteSectorExt
	case write:
		return AtaWriteSector
	case dma && ext:
		return AtaReadDmaExt
	case dma:
		return AtaReadDma
	case ext:
		return AtaReadSectorExt
	default:
		return AtaReadSector
	}
}
