// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy

import (
	"fmt"
	"os"
)

// maxSecretSize bounds the data that can be sealed in a single keyed hash
// object (the TPM2B_SENSITIVE_DATA buffer limit).
const maxSecretSize = 128

// Secret holds sensitive data whose backing store is zeroed on release.
// Callers must Destroy a secret when done with it; erasure is the
// container's job, not an ambient guarantee.
type Secret struct {
	data []byte
}

// NewSecret takes ownership of the supplied bytes.
func NewSecret(data []byte) *Secret {
	return &Secret{data: data}
}

// ReadSecretFile reads a secret from a file.
func ReadSecretFile(path string) (*Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > maxSecretSize {
		zeroBytes(data)
		return nil, fmt.Errorf("secret data too large, maximum size is %d", maxSecretSize)
	}
	return &Secret{data: data}, nil
}

// Bytes returns the secret contents. The returned slice aliases the
// secret's backing store and becomes invalid after Destroy.
func (s *Secret) Bytes() []byte {
	return s.data
}

// WriteFile writes the secret to path with owner-only permissions.
func (s *Secret) WriteFile(path string) error {
	return os.WriteFile(path, s.data, 0600)
}

// Destroy zeroes the backing store.
func (s *Secret) Destroy() {
	zeroBytes(s.data)
	s.data = nil
}
