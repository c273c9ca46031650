// Copyright 2022 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle_test

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/canonical/go-tpm2"

	. "gopkg.in/check.v1"

	. "github.com/reemo-io/pcr-oracle"
)

type logreaderSuite struct{}

var _ = Suite(&logreaderSuite{})

// writeTPM1Record appends a record in the TPM 1.2 log format.
func writeTPM1Record(w io.Writer, pcr PCRIndex, eventType EventType, digest []byte, data []byte) {
	binary.Write(w, binary.LittleEndian, uint32(pcr))
	binary.Write(w, binary.LittleEndian, uint32(eventType))
	w.Write(digest)
	binary.Write(w, binary.LittleEndian, uint32(len(data)))
	w.Write(data)
}

// writeTPM2Record appends a record in the crypto-agile log format.
func writeTPM2Record(w io.Writer, pcr PCRIndex, eventType EventType, digests map[tpm2.HashAlgorithmId][]byte, data []byte) {
	binary.Write(w, binary.LittleEndian, uint32(pcr))
	binary.Write(w, binary.LittleEndian, uint32(eventType))
	binary.Write(w, binary.LittleEndian, uint32(len(digests)))
	for _, alg := range []tpm2.HashAlgorithmId{tpm2.HashAlgorithmSHA1, tpm2.HashAlgorithmSHA256} {
		digest, ok := digests[alg]
		if !ok {
			continue
		}
		binary.Write(w, binary.LittleEndian, uint16(alg))
		w.Write(digest)
	}
	binary.Write(w, binary.LittleEndian, uint32(len(data)))
	w.Write(data)
}

// specIdEvent03 builds the event data of a Spec ID Event03 header declaring
// the supplied algorithms.
func specIdEvent03(algs map[tpm2.HashAlgorithmId]uint16) []byte {
	w := new(bytes.Buffer)
	w.Write([]byte("Spec ID Event03\x00"))
	binary.Write(w, binary.LittleEndian, uint32(0)) // platformClass
	w.Write([]byte{0, 2, 0, 2})                     // minor, major, errata, uintnSize
	binary.Write(w, binary.LittleEndian, uint32(len(algs)))
	for _, alg := range []tpm2.HashAlgorithmId{tpm2.HashAlgorithmSHA1, tpm2.HashAlgorithmSHA256, tpm2.HashAlgorithmId(0x0027)} {
		size, ok := algs[alg]
		if !ok {
			continue
		}
		binary.Write(w, binary.LittleEndian, uint16(alg))
		binary.Write(w, binary.LittleEndian, size)
	}
	w.Write([]byte{0}) // vendorInfoSize
	return w.Bytes()
}

func (s *logreaderSuite) TestReadTPM1Log(c *C) {
	w := new(bytes.Buffer)
	writeTPM1Record(w, 0, EventTypeSCRTMVersion, make([]byte, 20), []byte("1.0\x00"))

	log := NewLogReader(bytes.NewReader(w.Bytes()))
	c.Check(log.TPMVersion(), Equals, uint32(1))

	ev, err := log.ReadNext()
	c.Assert(err, IsNil)
	c.Check(ev.Index, Equals, uint32(0))
	c.Check(ev.PCRIndex, Equals, PCRIndex(0))
	c.Check(ev.EventType, Equals, EventTypeSCRTMVersion)
	c.Check(ev.Digests[tpm2.HashAlgorithmSHA1], DeepEquals, Digest(make([]byte, 20)))
	c.Check(ev.RawData, DeepEquals, []byte("1.0\x00"))

	_, err = log.ReadNext()
	c.Check(err, Equals, io.EOF)
	c.Check(log.EventCount(), Equals, uint32(1))
}

func (s *logreaderSuite) TestReadTPM2Log(c *C) {
	w := new(bytes.Buffer)
	writeTPM1Record(w, 0, EventTypeNoAction, make([]byte, 20),
		specIdEvent03(map[tpm2.HashAlgorithmId]uint16{
			tpm2.HashAlgorithmSHA1:   20,
			tpm2.HashAlgorithmSHA256: 32}))
	writeTPM2Record(w, 7, EventTypeSeparator, map[tpm2.HashAlgorithmId][]byte{
		tpm2.HashAlgorithmSHA1:   decodeHexString(c, "9069ca78e7450a285173431b3e52c5c25299e473"),
		tpm2.HashAlgorithmSHA256: decodeHexString(c, "df3f619804a92fdb4057192dc43dd748ea778adc52bc498ce80524c014b81119")},
		[]byte{0, 0, 0, 0})

	log := NewLogReader(bytes.NewReader(w.Bytes()))

	ev, err := log.ReadNext()
	c.Assert(err, IsNil)
	c.Check(log.TPMVersion(), Equals, uint32(2))
	c.Check(log.Algorithms(), DeepEquals, AlgorithmIdList{tpm2.HashAlgorithmSHA1, tpm2.HashAlgorithmSHA256})

	c.Check(ev.Index, Equals, uint32(0))
	c.Check(ev.PCRIndex, Equals, PCRIndex(7))
	c.Check(ev.EventType, Equals, EventTypeSeparator)
	c.Assert(ev.Data, FitsTypeOf, &SeparatorEventData{})
	c.Check(ev.Data.(*SeparatorEventData).IsError(), Equals, false)

	_, err = log.ReadNext()
	c.Check(err, Equals, io.EOF)
}

func (s *logreaderSuite) TestStartupLocality(c *C) {
	w := new(bytes.Buffer)
	writeTPM1Record(w, 0, EventTypeNoAction, make([]byte, 20),
		specIdEvent03(map[tpm2.HashAlgorithmId]uint16{tpm2.HashAlgorithmSHA256: 32}))
	writeTPM2Record(w, 0, EventTypeNoAction, map[tpm2.HashAlgorithmId][]byte{
		tpm2.HashAlgorithmSHA256: make([]byte, 32)},
		append([]byte("StartupLocality\x00"), 3))
	writeTPM2Record(w, 0, EventTypeSCRTMVersion, map[tpm2.HashAlgorithmId][]byte{
		tpm2.HashAlgorithmSHA256: make([]byte, 32)},
		[]byte("1.0\x00"))

	log := NewLogReader(bytes.NewReader(w.Bytes()))

	ev, err := log.ReadNext()
	c.Assert(err, IsNil)
	c.Check(ev.EventType, Equals, EventTypeSCRTMVersion)

	locality, ok := log.Locality(0)
	c.Check(ok, Equals, true)
	c.Check(locality, Equals, uint8(3))

	_, ok = log.Locality(1)
	c.Check(ok, Equals, false)
}

func (s *logreaderSuite) TestUnknownAlgorithmDeclaredInHeader(c *C) {
	// An algorithm this package cannot compute but that the header
	// declares can at least be skipped.
	w := new(bytes.Buffer)
	writeTPM1Record(w, 0, EventTypeNoAction, make([]byte, 20),
		specIdEvent03(map[tpm2.HashAlgorithmId]uint16{
			tpm2.HashAlgorithmSHA256:     32,
			tpm2.HashAlgorithmId(0x0027): 48}))

	record := new(bytes.Buffer)
	binary.Write(record, binary.LittleEndian, uint32(7))
	binary.Write(record, binary.LittleEndian, uint32(EventTypeSeparator))
	binary.Write(record, binary.LittleEndian, uint32(2))
	binary.Write(record, binary.LittleEndian, uint16(0x0027))
	record.Write(make([]byte, 48))
	binary.Write(record, binary.LittleEndian, uint16(tpm2.HashAlgorithmSHA256))
	record.Write(make([]byte, 32))
	binary.Write(record, binary.LittleEndian, uint32(4))
	record.Write([]byte{0, 0, 0, 0})
	w.Write(record.Bytes())

	log := NewLogReader(bytes.NewReader(w.Bytes()))

	ev, err := log.ReadNext()
	c.Assert(err, IsNil)
	c.Check(ev.Digests, HasLen, 1)
	c.Check(ev.Digests[tpm2.HashAlgorithmSHA256], HasLen, 32)
}

func (s *logreaderSuite) TestUndeclaredAlgorithmIsFatal(c *C) {
	w := new(bytes.Buffer)
	writeTPM1Record(w, 0, EventTypeNoAction, make([]byte, 20),
		specIdEvent03(map[tpm2.HashAlgorithmId]uint16{tpm2.HashAlgorithmSHA256: 32}))
	// 0x0027 is neither known to this package nor declared by the header,
	// so the size of its digest cannot be determined.
	record := new(bytes.Buffer)
	binary.Write(record, binary.LittleEndian, uint32(7))
	binary.Write(record, binary.LittleEndian, uint32(EventTypeSeparator))
	binary.Write(record, binary.LittleEndian, uint32(1))
	binary.Write(record, binary.LittleEndian, uint16(0x0027))
	record.Write(make([]byte, 48))
	binary.Write(record, binary.LittleEndian, uint32(4))
	record.Write([]byte{0, 0, 0, 0})
	w.Write(record.Bytes())

	log := NewLogReader(bytes.NewReader(w.Bytes()))

	_, err := log.ReadNext()
	c.Assert(err, ErrorMatches, `.*entry for algorithm 0027 not found in log header`)
}

func (s *logreaderSuite) TestOversizedEventIsFatal(c *C) {
	w := new(bytes.Buffer)
	binary.Write(w, binary.LittleEndian, uint32(0))
	binary.Write(w, binary.LittleEndian, uint32(EventTypeSCRTMVersion))
	w.Write(make([]byte, 20))
	binary.Write(w, binary.LittleEndian, uint32(2*1024*1024))

	log := NewLogReader(bytes.NewReader(w.Bytes()))

	_, err := log.ReadNext()
	c.Assert(err, ErrorMatches, `.*oversized event record with 2097152 bytes of data`)
}

func (s *logreaderSuite) TestZeroSizeEventIsAccepted(c *C) {
	w := new(bytes.Buffer)
	digest := decodeHexString(c, "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3")
	writeTPM1Record(w, 4, EventTypeAction, digest, nil)

	log := NewLogReader(bytes.NewReader(w.Bytes()))

	ev, err := log.ReadNext()
	c.Assert(err, IsNil)
	c.Check(ev.RawData, HasLen, 0)
	c.Check(ev.Digests[tpm2.HashAlgorithmSHA1], DeepEquals, Digest(digest))
}

func (s *logreaderSuite) TestTruncatedRecordIsFatal(c *C) {
	w := new(bytes.Buffer)
	writeTPM1Record(w, 0, EventTypeSCRTMVersion, make([]byte, 20), []byte("1.0\x00"))

	log := NewLogReader(bytes.NewReader(w.Bytes()[:20]))

	_, err := log.ReadNext()
	c.Assert(err, Equals, io.ErrUnexpectedEOF)
}

func (s *logreaderSuite) TestInvalidPCRIndex(c *C) {
	w := new(bytes.Buffer)
	writeTPM1Record(w, 40, EventTypeSCRTMVersion, make([]byte, 20), nil)

	log := NewLogReader(bytes.NewReader(w.Bytes()))

	_, err := log.ReadNext()
	c.Assert(err, ErrorMatches, `.*invalid PCR index 40`)
}

func (s *logreaderSuite) TestReadAll(c *C) {
	w := new(bytes.Buffer)
	writeTPM1Record(w, 0, EventTypeSCRTMVersion, make([]byte, 20), []byte("1.0\x00"))
	writeTPM1Record(w, 4, EventTypeSeparator, make([]byte, 20), []byte{0, 0, 0, 0})

	log := NewLogReader(bytes.NewReader(w.Bytes()))

	events, err := log.ReadAll()
	c.Assert(err, IsNil)
	c.Assert(events, HasLen, 2)
	c.Check(events[0].Index, Equals, uint32(0))
	c.Check(events[1].Index, Equals, uint32(1))
	c.Check(events[1].PCRIndex, Equals, PCRIndex(4))
}
