// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package keyfile

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// SystemdPolicyEntry is one signed-policy entry of the JSON file consumed
// by systemd-cryptsetup: the PCR set, the fingerprint of the signing public
// key, the pcr-policy digest and its signature.
type SystemdPolicyEntry struct {
	PCRs []int  `json:"pcrs"`
	PKFP string `json:"pkfp"`
	Pol  string `json:"pol"`
	Sig  string `json:"sig"`
}

// SystemdPolicyFile maps a bank's algorithm name to its signed-policy
// entries.
type SystemdPolicyFile map[string][]*SystemdPolicyEntry

// ReadSystemdPolicyFile reads the JSON policy file at path. A missing file
// yields an empty document.
func ReadSystemdPolicyFile(path string) (SystemdPolicyFile, error) {
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return make(SystemdPolicyFile), nil
	case err != nil:
		return nil, err
	}

	var f SystemdPolicyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, xerrors.Errorf("%s is not a valid policy file: %w", path, err)
	}
	return f, nil
}

// AddEntry records a signed policy for the named bank. If an entry with the
// same policy digest already exists it is updated in place rather than
// duplicated; the new PCR set, fingerprint and signature take effect.
func (f SystemdPolicyFile) AddEntry(algoName string, pcrMask uint32, fingerprint []byte, pcrPolicy []byte, signature []byte) {
	var pcrs []int
	for i := 0; i < 24; i++ {
		if pcrMask&(1<<uint(i)) != 0 {
			pcrs = append(pcrs, i)
		}
	}

	entry := &SystemdPolicyEntry{
		PCRs: pcrs,
		PKFP: hex.EncodeToString(fingerprint),
		Pol:  hex.EncodeToString(pcrPolicy),
		Sig:  base64.StdEncoding.EncodeToString(signature)}

	for _, existing := range f[algoName] {
		if strings.EqualFold(existing.Pol, entry.Pol) {
			*existing = *entry
			return
		}
	}
	f[algoName] = append(f[algoName], entry)
}

// Write writes the policy file to path.
func (f SystemdPolicyFile) Write(path string) error {
	data, err := json.MarshalIndent(f, "", "\t")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'), 0644)
}
