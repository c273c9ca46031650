// Copyright 2022 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle

import (
	"fmt"
	"io"
)

// EventData represents all event data types that appear in a log. Some
// implementations of this are exported so that event data contents can be
// inspected programatically.
//
// If an error is encountered when decoding the data associated with an
// event, the event data will implement the error interface which can be
// used for obtaining information about the decoding error.
type EventData interface {
	fmt.Stringer

	// Bytes is the raw event data bytes as they appear in the event log.
	Bytes() []byte
}

type rawEventData []byte

func (b rawEventData) Bytes() []byte {
	return []byte(b)
}

// invalidEventData corresponds to an event data buffer that failed to decode
// correctly.
type invalidEventData struct {
	rawEventData
	err error
}

func (e *invalidEventData) String() string {
	return fmt.Sprintf("Invalid event data: %v", e.err)
}

func (e *invalidEventData) Error() string {
	return e.err.Error()
}

func (e *invalidEventData) Unwrap() error {
	return e.err
}

// opaqueEventData is event data whose format is unknown or implementation
// defined. Events carrying it always keep their firmware digest at
// prediction time.
type opaqueEventData struct {
	rawEventData
}

func (d *opaqueEventData) String() string {
	return ""
}

// StringEventData corresponds to event data that is an unstructured string.
type StringEventData []byte

func (d StringEventData) String() string {
	return string(d)
}

func (d StringEventData) Bytes() []byte {
	return []byte(d)
}

// decodeEventData decodes the event data associated with an event. This is
// the parser registry: dispatch is on the event type, with a sub-dispatch on
// the PCR index for EV_IPL events, which boot loaders use to hide their
// free-form strings in.
//
// An event whose data cannot be decoded is not an error at this level - the
// event is returned with an invalidEventData or opaqueEventData payload and
// the re-hash engine will keep the digest recorded by the firmware.
func decodeEventData(pcrIndex PCRIndex, eventType EventType, data []byte) EventData {
	var out EventData
	var err error

	switch eventType {
	case EventTypeNoAction:
		out, err = decodeEventDataNoAction(data)
	case EventTypeSeparator:
		out, err = decodeEventDataSeparator(data)
	case EventTypeAction, EventTypeEFIAction:
		if isPrintableASCII(data, true) {
			out = StringEventData(data)
		}
	case EventTypeEventTag:
		out, err = decodeEventDataTag(data)
	case EventTypeIPL:
		out, err = decodeEventDataIPL(pcrIndex, data)
	case EventTypeEFIVariableDriverConfig, EventTypeEFIVariableBoot,
		EventTypeEFIVariableBoot2, EventTypeEFIVariableAuthority:
		out, err = decodeEventDataEFIVariable(data)
	case EventTypeEFIBootServicesApplication, EventTypeEFIBootServicesDriver,
		EventTypeEFIRuntimeServicesDriver:
		out, err = decodeEventDataEFIImageLoad(data)
	case EventTypeEFIGPTEvent:
		out, err = decodeEventDataEFIGPT(data)
	default:
	}

	switch {
	case err != nil:
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return &invalidEventData{rawEventData: data, err: err}
	case out != nil:
		return out
	default:
		return &opaqueEventData{rawEventData: data}
	}
}

// decodeEventDataIPL handles EV_IPL events. GRUB measures commands and
// kernel command lines to PCR 8 and files to PCR 9, systemd's EFI stub
// measures the kernel command line to PCR 12, and shim measures its
// variables to PCR 14. Anything else, including the empty events some
// firmwares produce, is left undecoded.
func decodeEventDataIPL(pcrIndex PCRIndex, data []byte) (EventData, error) {
	if len(data) == 0 || data[0] == 0x00 {
		return nil, nil
	}

	switch pcrIndex {
	case 8:
		return decodeEventDataGRUBCommand(data)
	case 9:
		return decodeEventDataGRUBFile(data)
	case 12:
		return decodeEventDataSystemdEFIStub(data)
	case 14:
		return decodeEventDataShim(data)
	default:
		return nil, nil
	}
}
