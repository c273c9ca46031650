// Copyright 2022 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle

import (
	"fmt"

	"github.com/canonical/go-tpm2"
)

// AlgorithmInfo describes a digest algorithm as it appears in an event log:
// the TCG algorithm id, a canonical textual name and the digest length in
// bytes.
type AlgorithmInfo struct {
	Id   tpm2.HashAlgorithmId
	Name string
	Size uint16
}

// knownAlgorithms is the process-wide read-only table of algorithms this
// package can compute digests for. Logs may declare additional algorithms in
// their Spec ID event; those are remembered per log so that their digests
// can at least be skipped (see LogReader).
var knownAlgorithms = []AlgorithmInfo{
	{tpm2.HashAlgorithmSHA1, "sha1", 20},
	{tpm2.HashAlgorithmSHA256, "sha256", 32},
	{tpm2.HashAlgorithmSHA384, "sha384", 48},
	{tpm2.HashAlgorithmSHA512, "sha512", 64},
	{tpm2.HashAlgorithmSM3_256, "sm3_256", 32},
}

// AlgorithmById returns the descriptor for the supplied TCG algorithm id,
// or nil if the algorithm isn't known to this package.
func AlgorithmById(id tpm2.HashAlgorithmId) *AlgorithmInfo {
	for i := range knownAlgorithms {
		if knownAlgorithms[i].Id == id {
			return &knownAlgorithms[i]
		}
	}
	return nil
}

// AlgorithmByName returns the descriptor for the supplied canonical name
// (sha1, sha256, sha384, sha512, sm3_256).
func AlgorithmByName(name string) (*AlgorithmInfo, error) {
	for i := range knownAlgorithms {
		if knownAlgorithms[i].Name == name {
			return &knownAlgorithms[i], nil
		}
	}
	return nil, fmt.Errorf("unsupported digest algorithm \"%s\"", name)
}

// AlgorithmName returns the canonical name for the supplied algorithm id.
func AlgorithmName(id tpm2.HashAlgorithmId) string {
	if info := AlgorithmById(id); info != nil {
		return info.Name
	}
	return fmt.Sprintf("TPM2_ALG_%04x", uint16(id))
}

// IsDigestInvalid reports whether a digest must be kept out of a PCR bank:
// zero length, or all-0x00/all-0xff over the algorithm's digest length.
func IsDigestInvalid(alg tpm2.HashAlgorithmId, d Digest) bool {
	info := AlgorithmById(alg)
	if info == nil || len(d) != int(info.Size) {
		return true
	}
	allZero, allOnes := true, true
	for _, b := range d {
		if b != 0x00 {
			allZero = false
		}
		if b != 0xff {
			allOnes = false
		}
	}
	return allZero || allOnes
}
