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
	"hash/crc32"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lunixbochs/struc"
	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
)

// PartitionInfo describes one GPT partition.
type PartitionInfo struct {
	// GUID is the unique partition GUID in its 36-character textual form,
	// uppercase.
	GUID  string
	First uint64
	Last  uint64
	Flags uint64
}

var gptSignature = []byte("EFI PART")

// gptHeader is the GPT header found at LBA 1.
type gptHeader struct {
	Signature          [8]byte `struc:"[8]uint8"`
	Revision           uint32  `struc:"uint32,little"`
	HeaderSize         uint32  `struc:"uint32,little"`
	CRC                uint32  `struc:"uint32,little"`
	Reserved           uint32  `struc:"uint32,little"`
	CurrentLBA         uint64  `struc:"uint64,little"`
	BackupLBA          uint64  `struc:"uint64,little"`
	FirstLBA           uint64  `struc:"uint64,little"`
	LastLBA            uint64  `struc:"uint64,little"`
	DiskGUID           [16]byte `struc:"[16]uint8"`
	PartitionArrayLBA  uint64  `struc:"uint64,little"`
	PartitionArraySize uint32  `struc:"uint32,little"`
	EntrySize          uint32  `struc:"uint32,little"`
	CRCArray           uint32  `struc:"uint32,little"`
}

// gptEntry is one element of the partition entry array.
type gptEntry struct {
	TypeGUID      [16]byte `struc:"[16]uint8"`
	PartitionGUID [16]byte `struc:"[16]uint8"`
	First         uint64   `struc:"uint64,little"`
	Last          uint64   `struc:"uint64,little"`
	Flags         uint64   `struc:"uint64,little"`
	Name          [72]byte `struc:"[72]uint8"`
}

// FormatGUID renders the mixed-endian on-disk GUID in its textual
// 8-4-4-2·2-6·2 form, uppercase. The first three fields are stored
// little-endian, the rest big-endian, so they are swabbed into RFC-4122
// byte order first.
func FormatGUID(raw [16]byte) string {
	var b [16]byte
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]
	copy(b[8:], raw[8:])
	return strings.ToUpper(uuid.UUID(b).String())
}

// PartitionReader fetches and decodes the GPT of a device. The reads run
// through the regular IO path, so the reader doubles as the first exercise
// of the request pipeline during discovery.
type PartitionReader struct {
	dev     Device
	errands *errand.Queue
	log     *logrus.Entry

	header     *hw.Region
	parray     *hw.Region
	partitions []PartitionInfo
	callback   errand.Callback
}

// NewPartitionReader prepares a reader for the given device.
func NewPartitionReader(dev Device, q *errand.Queue, log *logrus.Entry) *PartitionReader {
	return &PartitionReader{
		dev:     dev,
		errands: q,
		log:     log.WithField("component", "partition"),
	}
}

// Partitions returns the decoded entries after Read has completed.
func (r *PartitionReader) Partitions() []PartitionInfo { return r.partitions }

// Read fetches LBA 0 and 1 and, if a GPT is present, the partition entry
// array. The callback fires once, with Partitions filled in; any error on
// the way yields zero partitions.
func (r *PartitionReader) Read(callback errand.Callback) {
	r.callback = callback
	r.partitions = nil

	secsz := uint64(r.dev.Info().SectorSize)
	header, err := r.dev.DmaSpace().AllocRegion(2*secsz, hw.FromDevice)
	if err != nil {
		r.log.WithError(err).Errorf("allocating GPT header region")
		callback()
		return
	}
	r.header = header

	r.readSectors(0, r.header, r.getGpt)
}

// getGpt validates the header read and kicks off the entry array read.
func (r *PartitionReader) getGpt(err error, _ uint32) {
	defer r.header.Free()

	if err != nil {
		r.callback()
		return
	}

	secsz := r.dev.Info().SectorSize
	raw := r.header.Bytes()[secsz:]

	if !bytes.HasPrefix(raw, gptSignature) {
		r.log.Debugf("no GPT signature found")
		r.callback()
		return
	}

	var header gptHeader
	if err := struc.Unpack(bytes.NewReader(raw), &header); err != nil {
		r.log.WithError(err).Warnf("undecodable GPT header")
		r.callback()
		return
	}

	if !r.headerCrcOk(raw, &header) {
		r.log.Warnf("GPT header CRC mismatch, ignoring partition table")
		r.callback()
		return
	}

	r.log.Infof("GUID partition header found with %d partitions", header.PartitionArraySize)

	arraysz := uint64(header.PartitionArraySize) * uint64(header.EntrySize)
	numsec := (arraysz + uint64(secsz) - 1) / uint64(secsz)

	parray, aerr := r.dev.DmaSpace().AllocRegion(numsec*uint64(secsz), hw.FromDevice)
	if aerr != nil {
		r.log.WithError(aerr).Errorf("allocating GPT array region")
		r.callback()
		return
	}
	r.parray = parray

	r.readSectors(header.PartitionArrayLBA, r.parray, func(err error, _ uint32) {
		r.readGpt(err, &header)
	})
}

// readGpt decodes the entry array.
func (r *PartitionReader) readGpt(err error, header *gptHeader) {
	defer r.parray.Free()

	if err == nil {
		raw := r.parray.Bytes()
		arraysz := int(header.PartitionArraySize) * int(header.EntrySize)
		if crc32.ChecksumIEEE(raw[:arraysz]) != header.CRCArray {
			r.log.Warnf("GPT array CRC mismatch, ignoring partition table")
			r.callback()
			return
		}

		for i, off := 0, 0; i < int(header.PartitionArraySize); i, off = i+1, off+int(header.EntrySize) {
			var e gptEntry
			if err := struc.Unpack(bytes.NewReader(raw[off:]), &e); err != nil {
				break
			}
			if e.First == 0 || e.Last < e.First {
				continue
			}
			info := PartitionInfo{
				GUID:  FormatGUID(e.PartitionGUID),
				First: e.First,
				Last:  e.Last,
				Flags: e.Flags,
			}
			r.log.Debugf("found partition %s 0x%x - 0x%x", info.GUID, info.First, info.Last)
			r.partitions = append(r.partitions, info)
		}
	}

	r.callback()
}

// headerCrcOk verifies the header CRC over HeaderSize bytes with the CRC
// field itself zeroed. Fail closed: a bad checksum yields no partitions.
func (r *PartitionReader) headerCrcOk(raw []byte, header *gptHeader) bool {
	if header.HeaderSize < 92 || uint64(header.HeaderSize) > uint64(len(raw)) {
		return false
	}
	buf := make([]byte, header.HeaderSize)
	copy(buf, raw[:header.HeaderSize])
	buf[16], buf[17], buf[18], buf[19] = 0, 0, 0, 0
	return crc32.ChecksumIEEE(buf) == header.CRC
}

// readSectors issues a read of the full region at the given LBA, retrying
// while the device is saturated.
func (r *PartitionReader) readSectors(sector uint64, region *hw.Region, next InOutCallback) {
	blocks := []DataBlock{{Addr: region.Bus(), Size: uint32(region.Size())}}

	r.errands.Poll(identifyRetries, 10*time.Millisecond,
		func() bool {
			err := r.dev.InOutData(sector, blocks, next, 0)
			if err != nil && !IsKind(err, Busy) {
				r.log.WithError(err).Warnf("reading GPT sectors")
				r.callback()
			}
			return !IsKind(err, Busy)
		},
		func(ok bool) {
			if !ok {
				r.callback()
			}
		})
}
