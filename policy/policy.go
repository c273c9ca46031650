// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package policy builds TPM2 authorization policies from predicted PCR
// banks, seals secrets against them and provides the reference unseal path
// that replays a stored policy program inside a TPM policy session.
package policy

import (
	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"
	"golang.org/x/xerrors"
)

// DefaultTPMDevice is the TPM character device used when no override is
// given.
var DefaultTPMDevice = "/dev/tpm0"

// OpenTPM connects to the TPM device at the supplied path, or at the
// default device if path is empty. The returned context must be closed by
// the caller.
func OpenTPM(path string) (*tpm2.TPMContext, error) {
	if path == "" {
		path = DefaultTPMDevice
	}
	tcti, err := linux.OpenDevice(path)
	if err != nil {
		return nil, xerrors.Errorf("cannot open TPM device %s: %w", path, err)
	}
	return tpm2.NewTPMContext(tcti), nil
}

// startAuthSession begins an unbound, unsalted session of the supplied type
// with a SHA-256 session digest and AES-128-CFB symmetric parameters. The
// caller flushes the session on every exit path.
func startAuthSession(tpm *tpm2.TPMContext, sessionType tpm2.SessionType) (tpm2.SessionContext, error) {
	symmetric := &tpm2.SymDef{
		Algorithm: tpm2.SymAlgorithmAES,
		KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
		Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB}}

	session, err := tpm.StartAuthSession(nil, nil, sessionType, symmetric, tpm2.HashAlgorithmSHA256)
	if err != nil {
		return nil, xerrors.Errorf("cannot begin auth session: %w", err)
	}
	return session, nil
}

// flush releases a handle if one is held. Usable with deferred cleanup of
// handles that may already have been released.
func flush(tpm *tpm2.TPMContext, context tpm2.HandleContext) {
	if context == nil {
		return
	}
	tpm.FlushContext(context)
}
