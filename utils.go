// Copyright 2022 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle

import (
	"encoding/binary"
	"io"

	"golang.org/x/exp/constraints"
)

func isPrintableASCII(data []byte, unterminated bool) bool {
	for i, c := range data {
		if c == 0x00 && !unterminated && i == len(data)-1 {
			break
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func readLengthPrefixed[T constraints.Unsigned, V any](r io.Reader) ([]V, error) {
	var n T
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	data := make([]V, n)
	if err := binary.Read(r, binary.LittleEndian, &data); err != nil {
		return nil, err
	}

	return data, nil
}

func writeLengthPrefixed[T constraints.Unsigned, V any](w io.Writer, data []V) error {
	if err := binary.Write(w, binary.LittleEndian, T(len(data))); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, data)
}
