// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle

import (
	"errors"
	"fmt"

	efi "github.com/canonical/go-efilib"
)

// ShimLockGuid is the vendor GUID under which shim exposes its runtime
// variables.
var ShimLockGuid = efi.MakeGUID(0x605dab50, 0xe046, 0x4300, 0xabb6, [...]uint8{0x3d, 0xd8, 0x10, 0xdd, 0x8b, 0x23})

// shimVariables maps the variable names shim measures to PCR 14 to the
// runtime variables it mirrors them to after ExitBootServices. The runtime
// variable is what can be re-read when predicting the next boot.
var shimVariables = map[string]string{
	"MokList":        "MokListRT",
	"MokListX":       "MokListXRT",
	"MokListTrusted": "MokListTrustedRT",
	"SbatLevel":      "SbatLevelRT",
}

// ShimEventData is the event data associated with a variable measured by the
// shim loader to PCR 14.
type ShimEventData struct {
	rawEventData
	Name        string // the name shim measured
	RuntimeName string // the runtime variable mirroring the measured content
}

func (e *ShimEventData) String() string {
	return fmt.Sprintf("shim loader %s event", e.Name)
}

func decodeEventDataShim(data []byte) (*ShimEventData, error) {
	if data[len(data)-1] != 0x00 {
		return nil, errors.New("string isn't NULL terminated")
	}
	name := string(data[:len(data)-1])

	rtName, known := shimVariables[name]
	if !known {
		return nil, fmt.Errorf("unknown shim IPL event %s", name)
	}

	return &ShimEventData{rawEventData: data, Name: name, RuntimeName: rtName}, nil
}
