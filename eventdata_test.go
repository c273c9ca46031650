// Copyright 2022 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle_test

import (
	"bytes"
	"encoding/binary"

	. "gopkg.in/check.v1"

	. "github.com/reemo-io/pcr-oracle"
)

type eventdataSuite struct{}

var _ = Suite(&eventdataSuite{})

func readIPLEvent(c *C, pcr PCRIndex, data []byte) *Event {
	w := new(bytes.Buffer)
	writeTPM1Record(w, pcr, EventTypeIPL, make([]byte, 20), data)

	log := NewLogReader(bytes.NewReader(w.Bytes()))
	ev, err := log.ReadNext()
	c.Assert(err, IsNil)
	return ev
}

func (s *eventdataSuite) TestDecodeGrubCommand(c *C) {
	ev := readIPLEvent(c, 8, []byte("grub_cmd: insmod gzio\x00"))

	data, ok := ev.Data.(*GrubCommandEventData)
	c.Assert(ok, Equals, true)
	c.Check(data.Type, Equals, GrubCmd)
	c.Check(data.Str, Equals, "insmod gzio")
	c.Check(data.Argv, DeepEquals, []string{"insmod", "gzio"})
	c.Check(data.String(), Equals, "grub2 command \"insmod gzio\"")
}

func (s *eventdataSuite) TestDecodeGrubCommandLinux(c *C) {
	ev := readIPLEvent(c, 8, []byte("grub_cmd: linux (hd0,gpt2)/boot/vmlinuz-6.4 root=/dev/sda2 quiet\x00"))

	data, ok := ev.Data.(*GrubCommandEventData)
	c.Assert(ok, Equals, true)
	c.Check(data.Type, Equals, GrubCmdLinux)
	c.Check(data.File, DeepEquals, GrubFile{Device: "hd0,gpt2", Path: "/boot/vmlinuz-6.4"})
}

func (s *eventdataSuite) TestDecodeGrubCommandInitrd(c *C) {
	ev := readIPLEvent(c, 8, []byte("grub_cmd: initrd /boot/initrd-6.4\x00"))

	data, ok := ev.Data.(*GrubCommandEventData)
	c.Assert(ok, Equals, true)
	c.Check(data.Type, Equals, GrubCmdInitrd)
	c.Check(data.File, DeepEquals, GrubFile{Path: "/boot/initrd-6.4"})
}

func (s *eventdataSuite) TestDecodeKernelCmdline(c *C) {
	ev := readIPLEvent(c, 8, []byte("kernel_cmdline: /boot/vmlinuz-6.4 root=/dev/sda2\x00"))

	data, ok := ev.Data.(*GrubCommandEventData)
	c.Assert(ok, Equals, true)
	c.Check(data.Type, Equals, GrubKernelCmdline)
	c.Check(data.File.Path, Equals, "/boot/vmlinuz-6.4")
}

func (s *eventdataSuite) TestDecodeGrubFile(c *C) {
	ev := readIPLEvent(c, 9, []byte("(hd0,gpt1)/EFI/BOOT/grub.cfg\x00"))

	data, ok := ev.Data.(*GrubFileEventData)
	c.Assert(ok, Equals, true)
	c.Check(data.File.Device, Equals, "hd0,gpt1")
	c.Check(data.File.Path, Equals, "/EFI/BOOT/grub.cfg")
	c.Check(data.File.OnSystemPartition(), Equals, false)
	c.Check(data.File.Join(), Equals, "(hd0,gpt1)/EFI/BOOT/grub.cfg")
}

func (s *eventdataSuite) TestDecodeGrubFileSystemPartition(c *C) {
	ev := readIPLEvent(c, 9, []byte("/boot/vmlinuz-6.4\x00"))

	data, ok := ev.Data.(*GrubFileEventData)
	c.Assert(ok, Equals, true)
	c.Check(data.File.Device, Equals, "")
	c.Check(data.File.OnSystemPartition(), Equals, true)
	c.Check(data.File.Join(), Equals, "/boot/vmlinuz-6.4")
}

func (s *eventdataSuite) TestEmptyIPLEventIsOpaque(c *C) {
	ev := readIPLEvent(c, 8, nil)
	_, ok := ev.Data.(*GrubCommandEventData)
	c.Check(ok, Equals, false)
	c.Check(ev.Data.String(), Equals, "")

	ev = readIPLEvent(c, 8, []byte{0x00})
	_, ok = ev.Data.(*GrubCommandEventData)
	c.Check(ok, Equals, false)
}

func (s *eventdataSuite) TestDecodeSystemdEFIStub(c *C) {
	data := EncodeSystemdEFIStubCommandline("initrd=\\initrd quiet")
	// the stub terminates its measurement with a single zero byte
	ev := readIPLEvent(c, 12, append(data[:len(data)-2], 0x00))

	stub, ok := ev.Data.(*SystemdEFIStubEventData)
	c.Assert(ok, Equals, true)
	c.Check(stub.Str, Equals, "initrd=\\initrd quiet")
}

func (s *eventdataSuite) TestDecodeShimEvent(c *C) {
	ev := readIPLEvent(c, 14, []byte("MokList\x00"))

	data, ok := ev.Data.(*ShimEventData)
	c.Assert(ok, Equals, true)
	c.Check(data.Name, Equals, "MokList")
	c.Check(data.RuntimeName, Equals, "MokListRT")
}

func (s *eventdataSuite) TestDecodeUnknownShimEvent(c *C) {
	ev := readIPLEvent(c, 14, []byte("NotAShimVariable\x00"))
	_, isErr := ev.Data.(error)
	c.Check(isErr, Equals, true)
}

func (s *eventdataSuite) TestDecodeTagEvent(c *C) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, uint32(TagIDInitrd))
	binary.Write(body, binary.LittleEndian, uint32(4))
	body.Write([]byte{1, 2, 3, 4})

	w := new(bytes.Buffer)
	writeTPM1Record(w, 9, EventTypeEventTag, make([]byte, 20), body.Bytes())

	log := NewLogReader(bytes.NewReader(w.Bytes()))
	ev, err := log.ReadNext()
	c.Assert(err, IsNil)

	data, ok := ev.Data.(*TagEventData)
	c.Assert(ok, Equals, true)
	c.Check(data.EventID, Equals, TagIDInitrd)
	c.Check(data.Data, DeepEquals, []byte{1, 2, 3, 4})
}

func (s *eventdataSuite) TestEncodeSystemdEFIStubCommandline(c *C) {
	data := EncodeSystemdEFIStubCommandline("ab")
	c.Check(data, DeepEquals, []byte{0x61, 0x00, 0x62, 0x00, 0x00, 0x00})
}
