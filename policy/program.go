// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"golang.org/x/xerrors"
)

// Instruction is a single step of a stored policy program: a TPM command
// code and the marshalled parameters the command is replayed with at unseal
// time. Only TPM2_PolicyPCR and TPM2_PolicyAuthorize are part of the
// alphabet; an envelope containing anything else must be rejected as a
// whole.
type Instruction struct {
	CommandCode   tpm2.CommandCode
	CommandPolicy []byte
}

// Program is an ordered sequence of policy instructions. Instructions
// execute strictly in order inside a single policy session.
type Program []Instruction

// MarshalSizedPublic marshals a public area in its TPM2B_PUBLIC form.
func MarshalSizedPublic(pub *tpm2.Public) ([]byte, error) {
	body, err := mu.MarshalToBytes(pub)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	return append(out, body...), nil
}

// UnmarshalSizedPublic unmarshals a TPM2B_PUBLIC from the front of data
// and returns the number of bytes consumed.
func UnmarshalSizedPublic(data []byte, pub *tpm2.Public) (int, error) {
	if len(data) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	size := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+size {
		return 0, io.ErrUnexpectedEOF
	}
	if _, err := mu.UnmarshalFromBytes(data[2:2+size], pub); err != nil {
		return 0, err
	}
	return 2 + size, nil
}

// NewPolicyPCRInstruction builds a PolicyPCR step: an empty TPM2B_DIGEST
// (the TPM compares against live PCRs at unseal time) followed by the
// TPML_PCR_SELECTION.
func NewPolicyPCRInstruction(pcrs tpm2.PCRSelectionList) (Instruction, error) {
	body, err := mu.MarshalToBytes(tpm2.Digest(nil), pcrs)
	if err != nil {
		return Instruction{}, xerrors.Errorf("cannot marshal PolicyPCR parameters: %w", err)
	}
	return Instruction{CommandCode: tpm2.CommandPolicyPCR, CommandPolicy: body}, nil
}

// NewPolicyAuthorizeInstruction builds a PolicyAuthorize step:
// TPM2B_PUBLIC of the verification key, TPM2B_DIGEST policy reference and
// the TPMT_SIGNATURE over the approved policy.
func NewPolicyAuthorizeInstruction(pubKey *tpm2.Public, policyRef tpm2.Nonce, signature *tpm2.Signature) (Instruction, error) {
	pubBytes, err := MarshalSizedPublic(pubKey)
	if err != nil {
		return Instruction{}, xerrors.Errorf("cannot marshal public key: %w", err)
	}
	rest, err := mu.MarshalToBytes(tpm2.Digest(policyRef), signature)
	if err != nil {
		return Instruction{}, xerrors.Errorf("cannot marshal PolicyAuthorize parameters: %w", err)
	}
	return Instruction{CommandCode: tpm2.CommandPolicyAuthorize, CommandPolicy: append(pubBytes, rest...)}, nil
}

// policyPCRParams decodes the body of a PolicyPCR instruction.
func policyPCRParams(body []byte) (tpm2.Digest, tpm2.PCRSelectionList, error) {
	var digest tpm2.Digest
	var pcrs tpm2.PCRSelectionList
	if _, err := mu.UnmarshalFromBytes(body, &digest, &pcrs); err != nil {
		return nil, nil, xerrors.Errorf("cannot unmarshal PolicyPCR parameters: %w", err)
	}
	return digest, pcrs, nil
}

// policyAuthorizeParams decodes the body of a PolicyAuthorize instruction.
func policyAuthorizeParams(body []byte) (*tpm2.Public, tpm2.Digest, *tpm2.Signature, error) {
	var pub tpm2.Public
	n, err := UnmarshalSizedPublic(body, &pub)
	if err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot unmarshal public key: %w", err)
	}

	var policyRef tpm2.Digest
	var signature tpm2.Signature
	if _, err := mu.UnmarshalFromBytes(body[n:], &policyRef, &signature); err != nil {
		return nil, nil, nil, xerrors.Errorf("cannot unmarshal PolicyAuthorize parameters: %w", err)
	}
	return &pub, policyRef, &signature, nil
}

// Validate checks that the program only contains supported opcodes and
// that each instruction's parameters decode.
func (p Program) Validate() error {
	for i, instr := range p {
		switch instr.CommandCode {
		case tpm2.CommandPolicyPCR:
			if _, _, err := policyPCRParams(instr.CommandPolicy); err != nil {
				return xerrors.Errorf("instruction %d: %w", i, err)
			}
		case tpm2.CommandPolicyAuthorize:
			if _, _, _, err := policyAuthorizeParams(instr.CommandPolicy); err != nil {
				return xerrors.Errorf("instruction %d: %w", i, err)
			}
		default:
			return fmt.Errorf("unsupported TPM command %#x in policy program", uint32(instr.CommandCode))
		}
	}
	return nil
}
