// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy

import (
	"fmt"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle/internal/logmsg"
)

// srkRSABits is the key size used when deriving the SRK. Configurable at
// process start via SetSRKRSABits.
var srkRSABits uint16 = 2048

// SetSRKRSABits configures the RSA key size of the SRK derived by
// CreatePrimary.
func SetSRKRSABits(bits uint) error {
	switch bits {
	case 1024, 2048, 3072, 4096:
		srkRSABits = uint16(bits)
		return nil
	default:
		return fmt.Errorf("unsupported SRK RSA key size %d", bits)
	}
}

// srkTemplate is the template for the storage root key under which secrets
// are sealed. grub2 derives its SRK with the NODA attribute set, which
// means it is not subject to dictionary attack protections; the same
// template is used here so that both sides derive the same key.
func srkTemplate() *tpm2.Public {
	return &tpm2.Public{
		Type:    tpm2.ObjectTypeRSA,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs: tpm2.AttrRestricted | tpm2.AttrDecrypt | tpm2.AttrFixedTPM |
			tpm2.AttrFixedParent | tpm2.AttrSensitiveDataOrigin |
			tpm2.AttrUserWithAuth | tpm2.AttrNoDA,
		Params: &tpm2.PublicParamsU{
			RSADetail: &tpm2.RSAParams{
				Symmetric: tpm2.SymDefObject{
					Algorithm: tpm2.SymObjectAlgorithmAES,
					KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
					Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB}},
				Scheme:   tpm2.RSAScheme{Scheme: tpm2.RSASchemeNull},
				KeyBits:  srkRSABits,
				Exponent: 0}}}
}

// createPrimary derives the SRK in the owner hierarchy. The returned
// context must be flushed by the caller.
func createPrimary(tpm *tpm2.TPMContext) (tpm2.ResourceContext, error) {
	logmsg.Debug("deriving SRK - this may take a moment\n")
	srk, _, _, _, _, err := tpm.CreatePrimary(tpm.OwnerHandleContext(), nil, srkTemplate(), nil, nil, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot create SRK: %w", err)
	}
	return srk, nil
}

// sealedObjectTemplate is the public template for sealed secrets: a keyed
// hash object that can only be unsealed by satisfying authPolicy.
func sealedObjectTemplate(authPolicy tpm2.Digest) *tpm2.Public {
	return &tpm2.Public{
		Type:       tpm2.ObjectTypeKeyedHash,
		NameAlg:    tpm2.HashAlgorithmSHA256,
		Attrs:      tpm2.AttrFixedTPM | tpm2.AttrFixedParent,
		AuthPolicy: authPolicy,
		Params: &tpm2.PublicParamsU{
			KeyedHashDetail: &tpm2.KeyedHashParams{
				Scheme: tpm2.KeyedHashScheme{Scheme: tpm2.KeyedHashSchemeNull}}}}
}
