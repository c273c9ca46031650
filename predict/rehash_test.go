// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package predict_test

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	efi "github.com/canonical/go-efilib"
	"github.com/canonical/go-tpm2"

	. "gopkg.in/check.v1"

	"github.com/reemo-io/pcr-oracle"
	. "github.com/reemo-io/pcr-oracle/predict"
)

type rehashSuite struct{}

var _ = Suite(&rehashSuite{})

// testRuntime serves file contents and EFI variables from maps.
type testRuntime struct {
	systemFiles map[string][]byte
	espFiles    map[string][]byte
	variables   map[string][]byte
}

func (r *testRuntime) digest(files map[string][]byte, alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error) {
	data, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s", path)
	}
	h := alg.NewHash()
	h.Write(data)
	return h.Sum(nil), nil
}

func (r *testRuntime) DigestSystemFile(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error) {
	return r.digest(r.systemFiles, alg, path)
}

func (r *testRuntime) DigestESPFile(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error) {
	return r.digest(r.espFiles, alg, path)
}

func (r *testRuntime) ReadEFIVariable(name string, guid efi.GUID) ([]byte, error) {
	data, ok := r.variables[name]
	if !ok {
		return nil, fmt.Errorf("no such variable %s", name)
	}
	return data, nil
}

func (r *testRuntime) AuthenticodeDigest(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error) {
	return r.digest(r.espFiles, alg, path)
}

func sha256Of(data []byte) pcroracle.Digest {
	h := sha256.Sum256(data)
	return h[:]
}

func readIPLEvent(c *C, pcr uint32, data []byte) *pcroracle.Event {
	w := new(bytes.Buffer)
	writeTPM1Record(w, pcr, uint32(pcroracle.EventTypeIPL), make([]byte, 20), data)

	log := pcroracle.NewLogReader(bytes.NewReader(w.Bytes()))
	ev, err := log.ReadNext()
	c.Assert(err, IsNil)
	return ev
}

// A grub2 file load of the running kernel must be re-hashed from the next
// boot's kernel image.
func (s *rehashSuite) TestRehashGrubFileNextKernel(c *C) {
	rt := &testRuntime{systemFiles: map[string][]byte{
		"/boot/vmlinuz-6.4": []byte("old kernel"),
		"/boot/vmlinuz-6.5": []byte("new kernel")}}

	pred := NewPredictor(&Context{
		BootEntry: &BootEntry{ImagePath: "/boot/vmlinuz-6.5"},
		Runtime:   rt})

	ev := readIPLEvent(c, 9, []byte("/boot/vmlinuz-6.4\x00"))
	c.Check(pred.Strategy(ev), Equals, StrategyRehash)

	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA256)
	c.Assert(err, IsNil)
	c.Check(digest, DeepEquals, sha256Of([]byte("new kernel")))
}

func (s *rehashSuite) TestRehashGrubFileUnchanged(c *C) {
	rt := &testRuntime{espFiles: map[string][]byte{
		"/EFI/BOOT/grub.cfg": []byte("menuentry")}}

	pred := NewPredictor(&Context{Runtime: rt})

	ev := readIPLEvent(c, 9, []byte("(hd0,gpt1)/EFI/BOOT/grub.cfg\x00"))
	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA256)
	c.Assert(err, IsNil)
	c.Check(digest, DeepEquals, sha256Of([]byte("menuentry")))
}

func (s *rehashSuite) TestRehashGrubCommandLinux(c *C) {
	pred := NewPredictor(&Context{
		BootEntry: &BootEntry{ImagePath: "/boot/vmlinuz-6.5", Options: "root=/dev/sda2 quiet"}})

	ev := readIPLEvent(c, 8, []byte("grub_cmd: linux /boot/vmlinuz-6.4 root=/dev/sda2 quiet\x00"))
	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA256)
	c.Assert(err, IsNil)
	c.Check(digest, DeepEquals, sha256Of([]byte("linux /boot/vmlinuz-6.5 root=/dev/sda2 quiet")))
}

func (s *rehashSuite) TestRehashGrubCommandUnchanged(c *C) {
	pred := NewPredictor(nil)

	ev := readIPLEvent(c, 8, []byte("grub_cmd: insmod gzio\x00"))
	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA256)
	c.Assert(err, IsNil)
	c.Check(digest, DeepEquals, sha256Of([]byte("insmod gzio")))
}

func (s *rehashSuite) TestRehashSystemdStub(c *C) {
	pred := NewPredictor(&Context{
		BootEntry: &BootEntry{
			ImagePath:  "/opensuse/6.5/linux",
			InitrdPath: "/opensuse/6.5/initrd",
			Options:    "root=/dev/sda2"}})

	ev := readIPLEvent(c, 12, append(pcroracle.EncodeSystemdEFIStubCommandline("old"), 0x00))
	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA256)
	c.Assert(err, IsNil)

	expected := pcroracle.EncodeSystemdEFIStubCommandline("initrd=\\opensuse\\6.5\\initrd root=/dev/sda2")
	c.Check(digest, DeepEquals, sha256Of(expected))
}

// Without a next-kernel boot entry the firmware digest stands.
func (s *rehashSuite) TestRehashSystemdStubNoNextKernel(c *C) {
	pred := NewPredictor(nil)

	ev := readIPLEvent(c, 12, append(pcroracle.EncodeSystemdEFIStubCommandline("old"), 0x00))
	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA1)
	c.Assert(err, IsNil)
	c.Check(digest, DeepEquals, ev.Digest(tpm2.HashAlgorithmSHA1))
}

func (s *rehashSuite) TestRehashShimVariable(c *C) {
	rt := &testRuntime{variables: map[string][]byte{"MokListRT": []byte("mok contents")}}
	pred := NewPredictor(&Context{Runtime: rt})

	ev := readIPLEvent(c, 14, []byte("MokList\x00"))
	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA256)
	c.Assert(err, IsNil)
	c.Check(digest, DeepEquals, sha256Of([]byte("mok contents")))
}

// A failing re-hasher demotes the event to the copy strategy...
func (s *rehashSuite) TestRehashFallsBackToCopy(c *C) {
	rt := &testRuntime{}
	pred := NewPredictor(&Context{Runtime: rt})

	ev := readIPLEvent(c, 9, []byte("/boot/vmlinuz-6.4\x00"))
	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA1)
	c.Assert(err, IsNil)
	c.Check(digest, DeepEquals, ev.Digest(tpm2.HashAlgorithmSHA1))
}

// ... unless the caller required substitution.
func (s *rehashSuite) TestRehashRequired(c *C) {
	rt := &testRuntime{}
	pred := NewPredictor(&Context{Runtime: rt, Require: true})

	ev := readIPLEvent(c, 9, []byte("/boot/vmlinuz-6.4\x00"))
	_, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA1)
	c.Check(err, ErrorMatches, `cannot re-hash event 0 \(EV_IPL\).*`)
}

func (s *rehashSuite) TestCopyStrategyForOpaqueEvents(c *C) {
	pred := NewPredictor(nil)

	w := new(bytes.Buffer)
	writeTPM1Record(w, 0, uint32(pcroracle.EventTypeSCRTMVersion), make([]byte, 20), []byte("1.0\x00"))
	log := pcroracle.NewLogReader(bytes.NewReader(w.Bytes()))
	ev, err := log.ReadNext()
	c.Assert(err, IsNil)

	c.Check(pred.Strategy(ev), Equals, StrategyCopy)
	digest, err := pred.DigestFor(ev, tpm2.HashAlgorithmSHA1)
	c.Assert(err, IsNil)
	c.Check(digest, DeepEquals, ev.Digest(tpm2.HashAlgorithmSHA1))
}
