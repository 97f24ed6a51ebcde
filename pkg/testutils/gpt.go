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
	"hash/crc32"
	"strings"

	"github.com/google/uuid"
)

// GptPartition describes one partition to lay out on a simulated disk.
type GptPartition struct {
	GUID  string // textual 8-4-4-4-12 form
	First uint64
	Last  uint64
	Flags uint64
}

const (
	gptHeaderSize = 92
	gptEntrySize  = 128
)

// WriteGPT lays a GUID partition table onto the disk: the header at LBA 1
// and the entry array at LBA 2, with valid CRCs. LBA 0 is left untouched
// (the protective MBR is ignored by the driver anyway).
func WriteGPT(d *Disk, parts ...GptPartition) {
	secsz := uint64(d.SectorSize)

	// entry array first so the header can carry its CRC
	array := make([]byte, len(parts)*gptEntrySize)
	for i, p := range parts {
		e := array[i*gptEntrySize:]
		// type GUID: any non-zero value will do for the driver
		e[0] = 0xee
		copy(e[16:32], mixedEndianGUID(p.GUID))
		binary.LittleEndian.PutUint64(e[32:], p.First)
		binary.LittleEndian.PutUint64(e[40:], p.Last)
		binary.LittleEndian.PutUint64(e[48:], p.Flags)
	}

	header := make([]byte, gptHeaderSize)
	copy(header[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(header[8:], 0x10000) // revision 1.0
	binary.LittleEndian.PutUint32(header[12:], gptHeaderSize)
	binary.LittleEndian.PutUint64(header[24:], 1)                  // current LBA
	binary.LittleEndian.PutUint64(header[32:], d.Sectors()-1)      // backup LBA
	binary.LittleEndian.PutUint64(header[40:], 2+uint64(len(array))/secsz) // first usable
	binary.LittleEndian.PutUint64(header[48:], d.Sectors()-2)      // last usable
	binary.LittleEndian.PutUint64(header[72:], 2)                  // partition array LBA
	binary.LittleEndian.PutUint32(header[80:], uint32(len(parts)))
	binary.LittleEndian.PutUint32(header[84:], gptEntrySize)
	binary.LittleEndian.PutUint32(header[88:], crc32.ChecksumIEEE(array))
	binary.LittleEndian.PutUint32(header[16:], crc32.ChecksumIEEE(header))

	copy(d.Data[secsz:], header)
	copy(d.Data[2*secsz:], array)
}

// mixedEndianGUID converts a textual GUID into the on-disk GPT layout:
// first three fields little-endian, the rest big-endian.
func mixedEndianGUID(s string) []byte {
	u := uuid.MustParse(strings.ToLower(s))
	var b [16]byte
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b[:]
}
