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

package ahci_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/testutils"
)

func readPartitions(t *testing.T, r *hbaRig) []ahci.PartitionInfo {
	dev := scanDevice(t, r)

	reader := ahci.NewPartitionReader(dev, r.queue, logrus.WithField("test", t.Name()))
	done := false
	reader.Read(func() { done = true })
	r.queue.RunUntilIdle()
	require.True(t, done)
	return reader.Partitions()
}

func TestPartitionReaderDecodesGpt(t *testing.T) {
	disk := testutils.NewDisk("GPTDISK0000000000000", 8192)
	testutils.WriteGPT(disk,
		testutils.GptPartition{
			GUID:  "01234567-89AB-CDEF-0123-456789ABCDEF",
			First: 2048,
			Last:  4095,
			Flags: 0x5,
		},
		testutils.GptPartition{
			GUID:  "00112233-4455-6677-8899-AABBCCDDEEFF",
			First: 4096,
			Last:  8000,
		},
	)
	r := newHbaRig(t, 8, disk)

	parts := readPartitions(t, r)
	require.Len(t, parts, 2)

	assert.Equal(t, "01234567-89AB-CDEF-0123-456789ABCDEF", parts[0].GUID)
	assert.Equal(t, uint64(2048), parts[0].First)
	assert.Equal(t, uint64(4095), parts[0].Last)
	assert.Equal(t, uint64(0x5), parts[0].Flags)

	assert.Equal(t, "00112233-4455-6677-8899-AABBCCDDEEFF", parts[1].GUID)
}

func TestPartitionReaderIgnoresDiskWithoutGpt(t *testing.T) {
	disk := testutils.NewDisk("NOGPT000000000000000", 4096)
	r := newHbaRig(t, 8, disk)

	parts := readPartitions(t, r)
	assert.Empty(t, parts)
}

func TestPartitionReaderFailsClosedOnHeaderCrc(t *testing.T) {
	disk := testutils.NewDisk("BADCRC00000000000000", 8192)
	testutils.WriteGPT(disk, testutils.GptPartition{
		GUID: "01234567-89AB-CDEF-0123-456789ABCDEF", First: 2048, Last: 4095,
	})
	// flip a byte inside the checksummed header area
	disk.Data[512+40] ^= 0xff

	r := newHbaRig(t, 8, disk)
	parts := readPartitions(t, r)
	assert.Empty(t, parts)
}

func TestPartitionReaderFailsClosedOnArrayCrc(t *testing.T) {
	disk := testutils.NewDisk("BADACRC0000000000000", 8192)
	testutils.WriteGPT(disk, testutils.GptPartition{
		GUID: "01234567-89AB-CDEF-0123-456789ABCDEF", First: 2048, Last: 4095,
	})
	// corrupt the first array entry without touching the header
	disk.Data[1024] ^= 0xff

	r := newHbaRig(t, 8, disk)
	parts := readPartitions(t, r)
	assert.Empty(t, parts)
}

func TestPartitionReaderSkipsEmptyEntries(t *testing.T) {
	disk := testutils.NewDisk("EMPTYENT000000000000", 8192)
	testutils.WriteGPT(disk,
		testutils.GptPartition{GUID: "01234567-89AB-CDEF-0123-456789ABCDEF", First: 0, Last: 0},
		testutils.GptPartition{GUID: "00112233-4455-6677-8899-AABBCCDDEEFF", First: 4096, Last: 2048},
		testutils.GptPartition{GUID: "FFEEDDCC-BBAA-9988-7766-554433221100", First: 100, Last: 200},
	)
	r := newHbaRig(t, 8, disk)

	parts := readPartitions(t, r)
	require.Len(t, parts, 1)
	assert.Equal(t, "FFEEDDCC-BBAA-9988-7766-554433221100", parts[0].GUID)
}

func TestFormatGUIDMixedEndianness(t *testing.T) {
	// on-disk layout of 01234567-89AB-CDEF-0123-456789ABCDEF
	raw := [16]byte{
		0x67, 0x45, 0x23, 0x01, // first field little-endian
		0xab, 0x89,
		0xef, 0xcd,
		0x01, 0x23, // big-endian from here on
		0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	}
	assert.Equal(t, "01234567-89AB-CDEF-0123-456789ABCDEF", ahci.FormatGUID(raw))
}
