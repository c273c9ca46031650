// Copyright 2022 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
	"unicode/utf8"
)

// SystemdEFIStubEventData is the event data for a kernel command line
// measured by systemd's EFI stub Linux loader. The measured buffer is a
// UTF-16LE string including its terminating NUL code unit.
type SystemdEFIStubEventData struct {
	rawEventData
	Str string
}

func (e *SystemdEFIStubEventData) String() string {
	return e.Str
}

func decodeEventDataSystemdEFIStub(data []byte) (*SystemdEFIStubEventData, error) {
	// data is a UTF-16 string in little-endian form terminated with a single
	// zero byte, so omit the last byte and truncate to a multiple of 2.
	reader := bytes.NewReader(data[:(len(data)-1)&^1])

	utf16Str := make([]uint16, reader.Len()/2)
	binary.Read(reader, binary.LittleEndian, &utf16Str)
	for len(utf16Str) > 0 && utf16Str[len(utf16Str)-1] == 0 {
		utf16Str = utf16Str[:len(utf16Str)-1]
	}

	var utf8Str []byte
	for _, r := range utf16.Decode(utf16Str) {
		utf8Char := make([]byte, utf8.RuneLen(r))
		utf8.EncodeRune(utf8Char, r)
		utf8Str = append(utf8Str, utf8Char...)
	}

	return &SystemdEFIStubEventData{rawEventData: data, Str: string(utf8Str)}, nil
}

// EncodeSystemdEFIStubCommandline encodes a kernel command line the way
// systemd's EFI stub measures it: UTF-16LE including the terminating NUL
// code unit. This is the buffer that gets hashed when predicting the
// measurement for a different command line.
func EncodeSystemdEFIStubCommandline(str string) []byte {
	var unicodePoints []rune
	for len(str) > 0 {
		r, s := utf8.DecodeRuneInString(str)
		unicodePoints = append(unicodePoints, r)
		str = str[s:]
	}
	utf16Str := utf16.Encode(unicodePoints)
	utf16Str = append(utf16Str, 0)

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, utf16Str)
	return buf.Bytes()
}
