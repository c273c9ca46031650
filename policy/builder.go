// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy

import (
	"errors"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle/internal/logmsg"
	"github.com/reemo-io/pcr-oracle/predict"
)

// ErrPolicyBuild is returned when the TPM rejects part of a policy
// computation. The originating response code is logged; no partial output
// is ever produced.
var ErrPolicyBuild = errors.New("policy computation failed")

func policyBuildError(err error) error {
	logmsg.Error("%v\n", err)
	return ErrPolicyBuild
}

// bankCompositeDigest drives the TPM through a hash sequence over the
// concatenated values of every valid register of the bank, in ascending
// order. The result is the pcrDigest parameter for TPM2_PolicyPCR.
func bankCompositeDigest(tpm *tpm2.TPMContext, bank *predict.Bank) (tpm2.Digest, error) {
	seq, err := tpm.HashSequenceStart(nil, bank.Algorithm())
	if err != nil {
		return nil, xerrors.Errorf("cannot begin hash sequence: %w", err)
	}

	for i := 0; i < predict.BankRegisterMax; i++ {
		if !bank.IsValid(i) {
			continue
		}
		if err := tpm.SequenceUpdate(seq, tpm2.MaxBuffer(bank.Register(i)), nil); err != nil {
			tpm.SequenceComplete(seq, nil, tpm2.HandleNull, nil)
			return nil, xerrors.Errorf("cannot update hash sequence: %w", err)
		}
	}

	digest, _, err := tpm.SequenceComplete(seq, nil, tpm2.HandleNull, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot complete hash sequence: %w", err)
	}
	return digest, nil
}

// PCRPolicy computes the TPM2_PolicyPCR digest for the bank: every valid
// register, in the bank's algorithm, in ascending order. The computation
// runs on a trial session; all handles are flushed on every exit path.
func PCRPolicy(tpm *tpm2.TPMContext, bank *predict.Bank) (tpm2.Digest, error) {
	if bank.ValidMask() == 0 {
		return nil, errors.New("no valid PCRs in bank")
	}

	pcrDigest, err := bankCompositeDigest(tpm, bank)
	if err != nil {
		return nil, policyBuildError(err)
	}

	session, err := startAuthSession(tpm, tpm2.SessionTypeTrial)
	if err != nil {
		return nil, policyBuildError(err)
	}
	defer flush(tpm, session)

	if err := tpm.PolicyPCR(session, pcrDigest, bank.Selection()); err != nil {
		return nil, policyBuildError(xerrors.Errorf("cannot execute PolicyPCR assertion: %w", err))
	}

	digest, err := tpm.PolicyGetDigest(session)
	if err != nil {
		return nil, policyBuildError(xerrors.Errorf("cannot obtain policy digest: %w", err))
	}

	return digest, nil
}

// AuthorizedPolicy computes the TPM2_PolicyAuthorize digest binding the
// supplied PCR policy to the supplied RSA public key: any PCR policy signed
// by the corresponding private key will satisfy it. The policy reference is
// empty. All handles are flushed on every exit path.
func AuthorizedPolicy(tpm *tpm2.TPMContext, pcrPolicy tpm2.Digest, pubKey *tpm2.Public) (tpm2.Digest, error) {
	keyContext, err := tpm.LoadExternal(nil, pubKey, tpm2.HandleOwner)
	if err != nil {
		return nil, policyBuildError(xerrors.Errorf("cannot load public key: %w", err))
	}
	defer flush(tpm, keyContext)

	session, err := startAuthSession(tpm, tpm2.SessionTypeTrial)
	if err != nil {
		return nil, policyBuildError(err)
	}
	defer flush(tpm, session)

	checkTicket := &tpm2.TkVerified{
		Tag:       tpm2.TagVerified,
		Hierarchy: tpm2.HandleOwner,
		Digest:    nil}

	if err := tpm.PolicyAuthorize(session, pcrPolicy, nil, keyContext.Name(), checkTicket); err != nil {
		return nil, policyBuildError(xerrors.Errorf("cannot execute PolicyAuthorize assertion: %w", err))
	}

	digest, err := tpm.PolicyGetDigest(session)
	if err != nil {
		return nil, policyBuildError(xerrors.Errorf("cannot obtain policy digest: %w", err))
	}

	return digest, nil
}

// CreateAuthorizedPolicy computes the authorized-policy digest for the
// supplied PCR selection and signing key: the PCR policy is computed over
// an all-zero bank (the concrete values arrive later in a signed policy)
// and then wrapped in a PolicyAuthorize digest bound to the key.
func CreateAuthorizedPolicy(tpm *tpm2.TPMContext, alg tpm2.HashAlgorithmId, pcrMask uint32, pubKey *tpm2.Public) (tpm2.Digest, error) {
	zeroBank := predict.NewBank(alg, pcrMask)
	zeroBank.InitFromZero()

	pcrPolicy, err := PCRPolicy(tpm, zeroBank)
	if err != nil {
		return nil, err
	}

	return AuthorizedPolicy(tpm, pcrPolicy, pubKey)
}
