// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy

import (
	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle/internal/logmsg"
)

// SealedObject is the pair of blobs produced by TPM2_Create for a sealed
// secret. The envelope codecs persist it together with the policy metadata
// needed to unseal it again.
type SealedObject struct {
	Private tpm2.Private
	Public  *tpm2.Public
}

// Seal seals the secret under a freshly derived SRK, gated on the supplied
// authorization policy digest. The SRK handle is flushed on every exit
// path.
func Seal(tpm *tpm2.TPMContext, authPolicy tpm2.Digest, secret *Secret) (*SealedObject, error) {
	logmsg.Info("Sealing secret - this may take a moment\n")

	srk, err := createPrimary(tpm)
	if err != nil {
		return nil, err
	}
	defer flush(tpm, srk)

	sensitive := &tpm2.SensitiveCreate{Data: tpm2.SensitiveData(secret.Bytes())}
	template := sealedObjectTemplate(authPolicy)

	priv, pub, _, _, _, err := tpm.Create(srk, sensitive, template, nil, nil, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot create sealed object: %w", err)
	}

	return &SealedObject{Private: priv, Public: pub}, nil
}
