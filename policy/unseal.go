// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy

import (
	"fmt"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle/internal/logmsg"
	"github.com/reemo-io/pcr-oracle/predict"
)

// runPolicyPCR replays a stored PolicyPCR step. The TPM itself compares
// the session against the live PCR values.
func runPolicyPCR(tpm *tpm2.TPMContext, session tpm2.SessionContext, body []byte) error {
	digest, pcrs, err := policyPCRParams(body)
	if err != nil {
		return err
	}
	if err := tpm.PolicyPCR(session, digest, pcrs); err != nil {
		return xerrors.Errorf("cannot execute PolicyPCR assertion: %w", err)
	}
	return nil
}

// runPolicyAuthorize replays a stored PolicyAuthorize step: the current
// session digest is extracted and hashed under the algorithm discovered
// from the stored signature, the stored public key is loaded externally
// under the owner hierarchy and used to verify the signature, and the
// resulting ticket authorizes the session. Handles are flushed on every
// exit path.
func runPolicyAuthorize(tpm *tpm2.TPMContext, session tpm2.SessionContext, body []byte) error {
	pubKey, policyRef, signature, err := policyAuthorizeParams(body)
	if err != nil {
		return err
	}

	sigHashAlg := SignatureHashAlg(signature)
	if sigHashAlg == tpm2.HashAlgorithmNull {
		return fmt.Errorf("unsupported signature algorithm %#x", uint16(signature.SigAlg))
	}

	approvedPolicy, err := tpm.PolicyGetDigest(session)
	if err != nil {
		return xerrors.Errorf("cannot obtain current session digest: %w", err)
	}

	seq, err := tpm.HashSequenceStart(nil, sigHashAlg)
	if err != nil {
		return xerrors.Errorf("cannot begin hash sequence: %w", err)
	}
	approvedPolicyHash, _, err := tpm.SequenceComplete(seq, tpm2.MaxBuffer(approvedPolicy), tpm2.HandleNull, nil)
	if err != nil {
		return xerrors.Errorf("cannot hash approved policy: %w", err)
	}

	keyContext, err := tpm.LoadExternal(nil, pubKey, tpm2.HandleOwner)
	if err != nil {
		return xerrors.Errorf("cannot load verification key: %w", err)
	}
	defer flush(tpm, keyContext)

	ticket, err := tpm.VerifySignature(keyContext, approvedPolicyHash, signature)
	if err != nil {
		return xerrors.Errorf("policy signature verification failed: %w", err)
	}

	if err := tpm.PolicyAuthorize(session, approvedPolicy, tpm2.Nonce(policyRef), keyContext.Name(), ticket); err != nil {
		return xerrors.Errorf("cannot execute PolicyAuthorize assertion: %w", err)
	}

	return nil
}

// runProgram interprets a stored policy program inside a fresh policy
// session and unseals the object with the satisfied session. Instructions
// execute strictly in stored order; an unsupported opcode fails the whole
// envelope.
func runProgram(tpm *tpm2.TPMContext, object tpm2.ResourceContext, program Program) (*Secret, error) {
	session, err := startAuthSession(tpm, tpm2.SessionTypePolicy)
	if err != nil {
		return nil, err
	}
	defer flush(tpm, session)

	for i, instr := range program {
		switch instr.CommandCode {
		case tpm2.CommandPolicyPCR:
			if err := runPolicyPCR(tpm, session, instr.CommandPolicy); err != nil {
				return nil, xerrors.Errorf("instruction %d: %w", i, err)
			}
		case tpm2.CommandPolicyAuthorize:
			if err := runPolicyAuthorize(tpm, session, instr.CommandPolicy); err != nil {
				return nil, xerrors.Errorf("instruction %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("unsupported TPM command %#x in policy program", uint32(instr.CommandCode))
		}
	}

	data, err := tpm.Unseal(object, session)
	if err != nil {
		return nil, xerrors.Errorf("cannot unseal object: %w", err)
	}

	logmsg.Info("Successfully unsealed... something.\n")
	return NewSecret(data), nil
}

// Unseal loads the sealed object under a freshly derived SRK and tries
// each of the supplied policy programs in order, succeeding on the first
// program that unseals. For envelopes with a single policy program, pass a
// one-element slice. All transient handles are flushed on every exit path.
func Unseal(tpm *tpm2.TPMContext, object *SealedObject, programs []Program) (*Secret, error) {
	if len(programs) == 0 {
		return nil, fmt.Errorf("envelope carries no policy program")
	}
	for _, program := range programs {
		if err := program.Validate(); err != nil {
			return nil, err
		}
	}

	srk, err := createPrimary(tpm)
	if err != nil {
		return nil, err
	}
	defer flush(tpm, srk)

	loaded, err := tpm.Load(srk, object.Private, object.Public, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot load sealed object: %w", err)
	}
	defer flush(tpm, loaded)

	var lastErr error
	for i, program := range programs {
		secret, err := runProgram(tpm, loaded, program)
		if err == nil {
			return secret, nil
		}
		logmsg.Debug("policy program %d failed: %v\n", i, err)
		lastErr = err
	}

	return nil, lastErr
}

// UnsealWithPCRPolicy unseals an object sealed against a plain PCR policy:
// the single PolicyPCR step is reconstructed from the live bank's
// selection.
func UnsealWithPCRPolicy(tpm *tpm2.TPMContext, object *SealedObject, bank *predict.Bank) (*Secret, error) {
	instr, err := NewPolicyPCRInstruction(bank.Selection())
	if err != nil {
		return nil, err
	}
	return Unseal(tpm, object, []Program{{instr}})
}

// UnsealWithAuthorizedPolicy unseals an object sealed against an
// authorized policy, given the signed PCR policy and the public half of
// the authorizing key.
func UnsealWithAuthorizedPolicy(tpm *tpm2.TPMContext, object *SealedObject, bank *predict.Bank,
	pubKey *tpm2.Public, signature *tpm2.Signature) (*Secret, error) {
	pcrInstr, err := NewPolicyPCRInstruction(bank.Selection())
	if err != nil {
		return nil, err
	}
	authInstr, err := NewPolicyAuthorizeInstruction(pubKey, nil, signature)
	if err != nil {
		return nil, err
	}
	return Unseal(tpm, object, []Program{{pcrInstr, authInstr}})
}
