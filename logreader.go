// Copyright 2022 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/canonical/go-tpm2"

	"github.com/reemo-io/pcr-oracle/internal/ioerr"
)

// DefaultEventLogPath is where the kernel exposes the firmware's TCG event
// log.
const DefaultEventLogPath = "/sys/kernel/security/tpm0/binary_bios_measurements"

// InvalidLogError is returned when the event log stream violates the format
// it claims to be in.
type InvalidLogError struct {
	s string
}

func (e *InvalidLogError) Error() string {
	return fmt.Sprintf("error whilst parsing event log: %s", e.s)
}

// LogReader reads a binary TCG event log one event at a time.
//
// The first record of a log is inspected before any event is handed out: a
// "Spec ID Event03" signature switches the reader to the crypto-agile TPM2
// record format and registers the digest algorithms (and sizes) the log
// declares; a "StartupLocality" record supplies the locality byte for the
// initial value of PCR 0. Neither record is returned as an event.
type LogReader struct {
	r      io.Reader
	closer io.Closer
	offset int64

	tpmVersion uint32
	eventCount uint32

	algorithms  AlgorithmIdList
	digestSizes []EFISpecIdEventAlgorithmSize

	startupLocality   uint8
	validPCR0Locality bool
	readFirstEvent    bool
}

// OpenLog opens the event log at the supplied path, or at the kernel's
// default location if path is empty.
func OpenLog(path string) (*LogReader, error) {
	if path == "" {
		path = DefaultEventLogPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	log := NewLogReader(f)
	log.closer = f
	return log, nil
}

// NewLogReader returns a LogReader that reads the log from r.
func NewLogReader(r io.Reader) *LogReader {
	return &LogReader{r: r, tpmVersion: 1, algorithms: AlgorithmIdList{tpm2.HashAlgorithmSHA1}}
}

// Close closes the underlying file, if the reader owns one.
func (l *LogReader) Close() error {
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// TPMVersion returns the major TPM family version the log was produced for
// (1 or 2).
func (l *LogReader) TPMVersion() uint32 {
	return l.tpmVersion
}

// EventCount returns the number of events returned so far.
func (l *LogReader) EventCount() uint32 {
	return l.eventCount
}

// Algorithms returns the digest algorithms the log carries and this package
// can compute.
func (l *LogReader) Algorithms() AlgorithmIdList {
	return l.algorithms
}

// Locality returns the startup locality recorded by the log for the
// supplied PCR. Only PCR 0 ever has one.
func (l *LogReader) Locality(pcr PCRIndex) (uint8, bool) {
	if pcr != 0 || !l.validPCR0Locality {
		return 0, false
	}
	return l.startupLocality, true
}

func (l *LogReader) read(data any) error {
	if err := binary.Read(l.r, binary.LittleEndian, data); err != nil {
		return err
	}
	l.offset += int64(binary.Size(data))
	return nil
}

func (l *LogReader) readBytes(n uint32) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(l.r, data); err != nil {
		return nil, err
	}
	l.offset += int64(n)
	return data, nil
}

// digestSize returns the digest length for the supplied algorithm, consulting
// the process-wide table first and then the sizes declared by the log header.
func (l *LogReader) digestSize(id tpm2.HashAlgorithmId) (uint16, bool) {
	if info := AlgorithmById(id); info != nil {
		return info.Size, true
	}
	for _, s := range l.digestSizes {
		if s.AlgorithmId == id {
			return s.DigestSize, true
		}
	}
	return 0, false
}

func (l *LogReader) readDigestsTPM1(digests DigestMap) error {
	digest, err := l.readBytes(20)
	if err != nil {
		return ioerr.EOFIsUnexpected(err)
	}
	digests[tpm2.HashAlgorithmSHA1] = digest
	return nil
}

func (l *LogReader) readDigestsTPM2(digests DigestMap) error {
	var count uint32
	if err := l.read(&count); err != nil {
		return ioerr.EOFIsUnexpected(err)
	}

	for i := uint32(0); i < count; i++ {
		var algorithmId tpm2.HashAlgorithmId
		if err := l.read(&algorithmId); err != nil {
			return ioerr.EOFIsUnexpected(err)
		}

		size, known := l.digestSize(algorithmId)
		if !known {
			return &InvalidLogError{fmt.Sprintf("entry for algorithm %04x not found in log header", uint16(algorithmId))}
		}

		digest, err := l.readBytes(uint32(size))
		if err != nil {
			return ioerr.EOFIsUnexpected(err)
		}

		// Digests for algorithms we cannot compute are skipped rather
		// than recorded - they can never be replayed or substituted.
		if AlgorithmById(algorithmId) != nil {
			digests[algorithmId] = digest
		}
	}

	return nil
}

func (l *LogReader) readRecord() (*Event, error) {
	var pcrIndex PCRIndex
	if err := l.read(&pcrIndex); err != nil {
		// A clean EOF on the first field is the end of the log.
		return nil, ioerr.PassRawEOF(err)
	}

	if pcrIndex > maxPCRIndex {
		return nil, &InvalidLogError{fmt.Sprintf("invalid PCR index %d", pcrIndex)}
	}

	var eventType EventType
	if err := l.read(&eventType); err != nil {
		return nil, ioerr.EOFIsUnexpected(err)
	}

	offset := l.offset

	digests := make(DigestMap)
	if l.tpmVersion == 1 {
		if err := l.readDigestsTPM1(digests); err != nil {
			return nil, err
		}
	} else {
		if err := l.readDigestsTPM2(digests); err != nil {
			return nil, err
		}
	}

	var eventSize uint32
	if err := l.read(&eventSize); err != nil {
		return nil, ioerr.EOFIsUnexpected(err)
	}
	if eventSize > maxEventSize {
		return nil, &InvalidLogError{fmt.Sprintf("oversized event record with %d bytes of data", eventSize)}
	}

	data, err := l.readBytes(eventSize)
	if err != nil {
		return nil, ioerr.EOFIsUnexpected(err)
	}

	return &Event{
		PCRIndex:   pcrIndex,
		EventType:  eventType,
		FileOffset: offset,
		RawData:    data,
		Digests:    digests,
		Data:       decodeEventData(pcrIndex, eventType, data)}, nil
}

// handleSpecIdEvent consumes a Spec ID Event03 header, switching the reader
// to the crypto-agile record format.
func (l *LogReader) handleSpecIdEvent(ev *Event) error {
	spec, ok := ev.Data.(*SpecIdEvent03)
	if !ok {
		if err, isErr := ev.Data.(error); isErr {
			return &InvalidLogError{fmt.Sprintf("cannot parse TCG2 log header: %v", err)}
		}
		return &InvalidLogError{"cannot parse TCG2 log header"}
	}

	algorithms := make(AlgorithmIdList, 0, len(spec.DigestSizes))
	for _, algSize := range spec.DigestSizes {
		info := AlgorithmById(algSize.AlgorithmId)
		if info == nil {
			continue
		}
		if info.Size != algSize.DigestSize {
			return &InvalidLogError{fmt.Sprintf("digest size in log header for algorithm %04x "+
				"doesn't match expected size (size: %d, expected %d)",
				uint16(algSize.AlgorithmId), algSize.DigestSize, info.Size)}
		}
		algorithms = append(algorithms, algSize.AlgorithmId)
	}

	l.tpmVersion = uint32(spec.SpecVersionMajor)
	l.algorithms = algorithms
	l.digestSizes = spec.DigestSizes
	return nil
}

// ReadNext returns the next event from the log, or io.EOF when the log is
// exhausted. Truncated records, oversized records and digests for algorithms
// the log never declared are fatal.
func (l *LogReader) ReadNext() (*Event, error) {
	for {
		ev, err := l.readRecord()
		if err != nil {
			return nil, err
		}

		if !l.readFirstEvent && ev.PCRIndex == 0 && ev.EventType == EventTypeNoAction && len(ev.RawData) >= 16 {
			signature := ev.RawData[:16]

			if bytes.Equal(signature, []byte("Spec ID Event03\x00")) {
				if err := l.handleSpecIdEvent(ev); err != nil {
					return nil, err
				}
				continue
			}
			if bytes.Equal(signature, []byte("StartupLocality\x00")) && len(ev.RawData) == 17 {
				l.startupLocality = ev.RawData[16]
				l.validPCR0Locality = true
				continue
			}
		}
		l.readFirstEvent = true

		ev.Index = l.eventCount
		l.eventCount++
		return ev, nil
	}
}

// ReadAll reads the remaining events from the log.
func (l *LogReader) ReadAll() ([]*Event, error) {
	var events []*Event
	for {
		ev, err := l.ReadNext()
		switch {
		case err == io.EOF:
			return events, nil
		case err != nil:
			return events, err
		default:
			events = append(events, ev)
		}
	}
}
