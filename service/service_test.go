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

package service_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/testutils"
	"github.com/lightbitslabs/ahci-virtio/pkg/virtioblk"
	"github.com/lightbitslabs/ahci-virtio/service"
)

const (
	testSerial = "TESTDISK000000000000"
	testGUID   = "01234567-89AB-CDEF-0123-456789ABCDEF"
	otherGUID  = "00112233-4455-6677-8899-AABBCCDDEEFF"
)

type rig struct {
	arena *testutils.Arena
	ctrl  *testutils.Controller
	queue *errand.Queue
	svc   *service.Service
}

func newRig(t *testing.T, slots int, disks ...*testutils.Disk) *rig {
	r := &rig{
		arena: testutils.NewArena(32 << 20),
		queue: errand.New(nil),
	}
	r.ctrl = testutils.NewController(r.arena, slots, disks...)
	r.svc = service.New(r.queue, logrus.WithField("test", t.Name()))
	r.svc.StartDeviceDiscovery(testutils.NewBus(r.ctrl),
		ahci.HbaOptions{CheckAddressWidth: true})
	r.queue.RunUntilIdle()
	return r
}

func gptDisk(sectors uint64) *testutils.Disk {
	disk := testutils.NewDisk(testSerial, sectors)
	testutils.WriteGPT(disk,
		testutils.GptPartition{GUID: testGUID, First: 2048, Last: 4095},
		testutils.GptPartition{GUID: otherGUID, First: 4096, Last: 8191},
	)
	return disk
}

func (r *rig) create(t *testing.T, name string) (*virtioblk.Interface, *testutils.VirtioClient) {
	iface, err := r.svc.Create(1, name)
	require.NoError(t, err)
	client, err := testutils.NewVirtioClient(r.arena, iface, 1<<20)
	require.NoError(t, err)
	return iface, client
}

func TestCreateBySerialNumber(t *testing.T) {
	r := newRig(t, 8, testutils.NewDisk(testSerial, 2097152))

	iface, err := r.svc.Create(1, testSerial)
	require.NoError(t, err)
	assert.Equal(t, uint64(2097152), iface.DeviceConfig().Capacity)
}

func TestCreateArgumentValidation(t *testing.T) {
	r := newRig(t, 8, testutils.NewDisk(testSerial, 2048))

	_, err := r.svc.Create(0, testSerial)
	assert.True(t, ahci.IsKind(err, ahci.InvalidArgument))

	_, err = r.svc.Create(257, testSerial)
	assert.True(t, ahci.IsKind(err, ahci.InvalidArgument))

	_, err = r.svc.Create(1, "")
	assert.True(t, ahci.IsKind(err, ahci.InvalidArgument))

	_, err = r.svc.Create(1, "UNKNOWN")
	assert.True(t, ahci.IsKind(err, ahci.NotFound))
}

func TestExclusiveReservation(t *testing.T) {
	r := newRig(t, 8, gptDisk(16384))

	// binding one partition blocks the whole disk but not its sibling
	part1, err := r.svc.Create(1, testGUID)
	require.NoError(t, err)

	_, err = r.svc.Create(1, testSerial)
	assert.True(t, ahci.IsKind(err, ahci.Busy))

	_, err = r.svc.Create(1, testGUID)
	assert.True(t, ahci.IsKind(err, ahci.Busy))

	part2, err := r.svc.Create(1, otherGUID)
	require.NoError(t, err)

	r.svc.Release(part1)
	_, err = r.svc.Create(1, testSerial)
	assert.True(t, ahci.IsKind(err, ahci.Busy), "sibling partition still bound")

	r.svc.Release(part2)
	root, err := r.svc.Create(1, testSerial)
	require.NoError(t, err)

	// and a bound root blocks every partition
	_, err = r.svc.Create(1, testGUID)
	assert.True(t, ahci.IsKind(err, ahci.Busy))

	r.svc.Release(root)
	_, err = r.svc.Create(1, testGUID)
	assert.NoError(t, err)
}

func TestReadSectorThroughVirtio(t *testing.T) {
	r := newRig(t, 8, gptDisk(16384))
	_, client := r.create(t, testSerial)

	addr, buf := client.AllocBuffer(512)
	_, status := client.Submit(virtioblk.TIn, 1,
		testutils.DataDesc{Addr: addr, Len: 512, Write: true})
	client.Kick()
	r.queue.RunUntilIdle()

	assert.Equal(t, byte(virtioblk.StatusOK), status[0])
	assert.Equal(t, "EFI PART", string(buf[:8]))

	used := client.Used()
	require.Len(t, used, 1)
	assert.Equal(t, uint32(512), used[0].Written)
	assert.Equal(t, 1, client.Kicks)
}

func TestPartitionWriteTranslatesLBA(t *testing.T) {
	disk := gptDisk(16384)
	r := newRig(t, 8, disk)
	_, client := r.create(t, testGUID)

	addr, buf := client.AllocBuffer(512)
	copy(buf, "written through the partition view")
	_, status := client.Submit(virtioblk.TOut, 0,
		testutils.DataDesc{Addr: addr, Len: 512})
	client.Kick()
	r.queue.RunUntilIdle()

	require.Equal(t, byte(virtioblk.StatusOK), status[0])
	// partition starts at LBA 2048
	assert.Equal(t, "written through the partition view",
		string(disk.Data[2048*512:2048*512+34]))
}

func TestVirtioRoundTrip(t *testing.T) {
	r := newRig(t, 8, gptDisk(16384))
	_, client := r.create(t, testSerial)

	wrAddr, wrBuf := client.AllocBuffer(1024)
	for i := range wrBuf {
		wrBuf[i] = byte(i)
	}
	_, wrStatus := client.Submit(virtioblk.TOut, 9000,
		testutils.DataDesc{Addr: wrAddr, Len: 1024})
	client.Kick()
	r.queue.RunUntilIdle()
	require.Equal(t, byte(virtioblk.StatusOK), wrStatus[0])

	rdAddr, rdBuf := client.AllocBuffer(1024)
	_, rdStatus := client.Submit(virtioblk.TIn, 9000,
		testutils.DataDesc{Addr: rdAddr, Len: 1024, Write: true})
	client.Kick()
	r.queue.RunUntilIdle()
	require.Equal(t, byte(virtioblk.StatusOK), rdStatus[0])

	assert.Equal(t, wrBuf, rdBuf)
}

func TestAdmissionPressure(t *testing.T) {
	disk := testutils.NewDisk(testSerial, 65536)
	r := newRig(t, 8, disk)
	_, client := r.create(t, testSerial)

	var statuses [][]byte
	var heads []uint16
	for i := 0; i < 16; i++ {
		addr, _ := client.AllocBuffer(512)
		head, status := client.Submit(virtioblk.TIn, uint64(i*8),
			testutils.DataDesc{Addr: addr, Len: 512, Write: true})
		statuses = append(statuses, status)
		heads = append(heads, head)
	}

	client.Kick()
	r.queue.RunUntilIdle()

	for i, status := range statuses {
		assert.Equal(t, byte(virtioblk.StatusOK), status[0], "request %d", i)
	}

	used := client.Used()
	require.Len(t, used, 16)
	for i, u := range used {
		assert.Equal(t, heads[i], u.Head, "completion order must follow submission order")
	}
}

func TestShortDescriptorFailsDevice(t *testing.T) {
	r := newRig(t, 8, testutils.NewDisk(testSerial, 2048))
	iface, client := r.create(t, testSerial)

	mapsBefore := r.arena.Maps

	addr, _ := client.AllocBuffer(8)
	head := client.BuildDesc(addr, 8, 0, 0)
	client.SubmitRaw(head)
	client.Kick()
	r.queue.RunUntilIdle()

	assert.True(t, iface.Failed())
	require.Len(t, client.Used(), 1, "chain is consumed")
	assert.Equal(t, mapsBefore, r.arena.Maps, "no payload mapping for a bad chain")
}

func TestPortResetOnStateChange(t *testing.T) {
	r := newRig(t, 8, testutils.NewDisk(testSerial, 4096))
	_, client := r.create(t, testSerial)

	// a read in flight when the link reports a connect state change
	addr, _ := client.AllocBuffer(512)
	_, status := client.Submit(virtioblk.TIn, 0,
		testutils.DataDesc{Addr: addr, Len: 512, Write: true})
	client.Kick()

	r.ctrl.RaisePortInterrupt(0, ahci.IsPcs)
	r.queue.RunUntilIdle()

	assert.Equal(t, byte(virtioblk.StatusIoErr), status[0],
		"in-flight request completes with an IO error")

	// the port recovered; a subsequent read succeeds
	addr2, _ := client.AllocBuffer(512)
	_, status2 := client.Submit(virtioblk.TIn, 0,
		testutils.DataDesc{Addr: addr2, Len: 512, Write: true})
	client.Kick()
	r.queue.RunUntilIdle()

	assert.Equal(t, byte(virtioblk.StatusOK), status2[0])
}

func TestStaticClientResolution(t *testing.T) {
	arena := testutils.NewArena(32 << 20)
	ctrl := testutils.NewController(arena, 8, gptDisk(16384))
	queue := errand.New(nil)
	svc := service.New(queue, logrus.WithField("test", t.Name()))

	bound := make(map[string]*virtioblk.Interface)
	svc.StaticBind = func(gate string, iface *virtioblk.Interface) error {
		bound[gate] = iface
		return nil
	}

	svc.AddStaticClient("cap0", testSerial, 2)
	svc.AddStaticClient("cap1", "MISSINGDISK", 1)

	svc.StartDeviceDiscovery(testutils.NewBus(ctrl), ahci.HbaOptions{CheckAddressWidth: true})
	queue.RunUntilIdle()

	require.Contains(t, bound, "cap0")
	assert.NotContains(t, bound, "cap1")

	// the statically bound disk is busy for everyone else
	_, err := svc.Create(1, testSerial)
	assert.True(t, ahci.IsKind(err, ahci.Busy))
}

func TestMultipleDisks(t *testing.T) {
	diskA := testutils.NewDisk("DISKA000000000000000", 4096)
	diskB := testutils.NewDisk("DISKB000000000000000", 8192)
	r := newRig(t, 8, diskA, diskB)

	require.Len(t, r.svc.Connections(), 2)

	ifaceA, err := r.svc.Create(1, "DISKA000000000000000")
	require.NoError(t, err)
	ifaceB, err := r.svc.Create(1, "DISKB000000000000000")
	require.NoError(t, err)

	assert.Equal(t, uint64(4096), ifaceA.DeviceConfig().Capacity)
	assert.Equal(t, uint64(8192), ifaceB.DeviceConfig().Capacity)
}

func TestDiscoveryFindsPartitions(t *testing.T) {
	r := newRig(t, 8, gptDisk(16384))

	conns := r.svc.Connections()
	require.Len(t, conns, 1)
	require.Len(t, conns[0].Subs(), 2)

	sub := conns[0].Subs()[0]
	assert.Equal(t, testGUID, sub.Device().Info().HID)
	assert.Equal(t, uint64(2048), sub.Device().Info().NumSectors)
}
