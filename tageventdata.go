// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/reemo-io/pcr-oracle/internal/ioerr"
)

// TagEventData corresponds to a TCG_PCClientTaggedEvent and is the event
// data for EV_EVENT_TAG events. The kernel's EFI stub uses these to measure
// the load options (kernel command line) and the initrd.
type TagEventData struct {
	rawEventData
	EventID uint32
	Data    []byte
}

func (e *TagEventData) String() string {
	switch e.EventID {
	case TagIDLoadOptions:
		return "Kernel command line (measured by the kernel)"
	case TagIDInitrd:
		return "initrd (measured by the kernel)"
	default:
		return fmt.Sprintf("tagged event %08x", e.EventID)
	}
}

func decodeEventDataTag(data []byte) (*TagEventData, error) {
	r := bytes.NewReader(data)

	d := &TagEventData{rawEventData: data}
	if err := binary.Read(r, binary.LittleEndian, &d.EventID); err != nil {
		return nil, ioerr.EOFIsUnexpected(err)
	}

	var dataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
		return nil, ioerr.EOFIsUnexpected(err)
	}
	if int(dataLen) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}

	d.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, d.Data); err != nil {
		return nil, ioerr.EOFIsUnexpected(err)
	}

	switch d.EventID {
	case TagIDLoadOptions, TagIDInitrd:
		return d, nil
	default:
		return nil, fmt.Errorf("unhandled tagged event %08x", d.EventID)
	}
}
