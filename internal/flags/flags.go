// Copyright 2021 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package flags

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bsiegert/ranges"
	"github.com/canonical/go-tpm2"
)

// HashAlgorithmId is a go-flags compatible wrapper around
// tpm2.HashAlgorithmId that marshals to and from the canonical textual
// algorithm names.
type HashAlgorithmId tpm2.HashAlgorithmId

func (h HashAlgorithmId) MarshalFlag() (string, error) {
	switch tpm2.HashAlgorithmId(h) {
	case tpm2.HashAlgorithmSHA1:
		return "sha1", nil
	case tpm2.HashAlgorithmSHA256:
		return "sha256", nil
	case tpm2.HashAlgorithmSHA384:
		return "sha384", nil
	case tpm2.HashAlgorithmSHA512:
		return "sha512", nil
	case tpm2.HashAlgorithmSM3_256:
		return "sm3_256", nil
	default:
		return "", fmt.Errorf("unrecognized algorithm %v", h)
	}
}

func (h *HashAlgorithmId) UnmarshalFlag(value string) error {
	switch value {
	case "sha1":
		*h = HashAlgorithmId(tpm2.HashAlgorithmSHA1)
	case "sha256":
		*h = HashAlgorithmId(tpm2.HashAlgorithmSHA256)
	case "sha384":
		*h = HashAlgorithmId(tpm2.HashAlgorithmSHA384)
	case "sha512":
		*h = HashAlgorithmId(tpm2.HashAlgorithmSHA512)
	case "sm3_256":
		*h = HashAlgorithmId(tpm2.HashAlgorithmSM3_256)
	default:
		return fmt.Errorf("unrecognized algorithm \"%s\"", value)
	}

	return nil
}

// PCRSelection is a set of PCR indices parsed from a comma-separated list of
// decimal indices and closed ranges (eg, "0,2,4-7"). Parsing has idempotent
// union semantics: duplicate indices collapse and the order of the input is
// irrelevant. Empty selections are rejected.
type PCRSelection uint32

func (s PCRSelection) MarshalFlag() (string, error) {
	var parts []string
	for i := 0; i < 24; i++ {
		if s&(1<<i) != 0 {
			parts = append(parts, strconv.Itoa(i))
		}
	}
	return strings.Join(parts, ","), nil
}

func (s *PCRSelection) UnmarshalFlag(value string) error {
	indices, err := ranges.Parse(strings.Replace(value, " ", "", -1))
	if err != nil {
		return err
	}
	if len(indices) == 0 {
		return errors.New("empty PCR selection")
	}

	var mask PCRSelection
	for _, i := range indices {
		if i < 0 || i > 23 {
			return fmt.Errorf("PCR index %d out of range", i)
		}
		mask |= 1 << uint(i)
	}
	if mask == 0 {
		return errors.New("empty PCR selection")
	}

	*s = mask
	return nil
}

// Contains reports whether the selection includes the supplied index.
func (s PCRSelection) Contains(index int) bool {
	return index >= 0 && index < 24 && s&(1<<uint(index)) != 0
}

// Mask returns the selection as a 24-bit register mask.
func (s PCRSelection) Mask() uint32 {
	return uint32(s) & 0xffffff
}

// Indices returns the selected indices in ascending order.
func (s PCRSelection) Indices() []int {
	var out []int
	for i := 0; i < 24; i++ {
		if s.Contains(i) {
			out = append(out, i)
		}
	}
	return out
}
