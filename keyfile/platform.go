// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package keyfile

import (
	"errors"
	"fmt"

	"github.com/canonical/go-tpm2"

	"github.com/reemo-io/pcr-oracle/policy"
	"github.com/reemo-io/pcr-oracle/predict"
)

// Capability bits describe what an operation on a target platform needs
// from the caller.
type Capability uint

const (
	NeedInputFile Capability = 1 << iota
	NeedOutputFile
	NeedPCRSelection
)

// SignedPolicyRequest carries the inputs for writing a signed policy.
type SignedPolicyRequest struct {
	InputPath  string // envelope to update; empty means update OutputPath in place
	OutputPath string
	PolicyName string
	Bank       *predict.Bank
	PCRPolicy  tpm2.Digest
	Key        *policy.RSAKey
	Signature  *tpm2.Signature
}

// UnsealRequest carries the inputs for unsealing a secret.
type UnsealRequest struct {
	TPM              *tpm2.TPMContext
	Alg              tpm2.HashAlgorithmId
	PCRMask          uint32
	InputPath        string
	OutputPath       string
	SignedPolicyPath string // legacy format only
	PublicKeyPath    string // marshalled TPM2B_PUBLIC of the authorizing key
}

// Platform is a target platform: depending on it, sealed data, signed
// policies etc are written to different types of files.
type Platform interface {
	Name() string
	UnsealFlags() Capability

	// WriteSealedSecret persists a sealed secret. pcrs may be nil when
	// the secret was sealed against an authorized policy whose concrete
	// PCR selection arrives later.
	WriteSealedSecret(path string, pcrs tpm2.PCRSelectionList, obj *policy.SealedObject) error

	// WriteSignedPolicy persists a signed PCR policy.
	WriteSignedPolicy(req *SignedPolicyRequest) error

	// UnsealSecret recovers a sealed secret. The caller writes the
	// result and destroys it.
	UnsealSecret(req *UnsealRequest) (*policy.Secret, error)
}

// GetTargetPlatform looks up a platform by name ("oldgrub", "tpm2.0" or
// "systemd").
func GetTargetPlatform(name string) (Platform, error) {
	for _, p := range targetPlatforms {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown target platform \"%s\"", name)
}

var targetPlatforms = []Platform{
	legacyPlatform{},
	tpm2KeyPlatform{},
	systemdPlatform{},
}

// legacyPlatform writes the concatenated format older grub2 builds read.
type legacyPlatform struct{}

func (legacyPlatform) Name() string { return "oldgrub" }

func (legacyPlatform) UnsealFlags() Capability {
	return NeedInputFile | NeedOutputFile | NeedPCRSelection
}

func (legacyPlatform) WriteSealedSecret(path string, pcrs tpm2.PCRSelectionList, obj *policy.SealedObject) error {
	// Just the marshalled public and private portions, concatenated.
	return WriteSealedSecret(path, obj)
}

func (legacyPlatform) WriteSignedPolicy(req *SignedPolicyRequest) error {
	// Just the signature, that's all.
	return WriteSignature(req.OutputPath, req.Signature)
}

func (legacyPlatform) UnsealSecret(req *UnsealRequest) (*policy.Secret, error) {
	obj, err := ReadSealedSecret(req.InputPath)
	if err != nil {
		return nil, err
	}

	bank := predict.NewBank(req.Alg, req.PCRMask)
	if err := bank.ReadFromTPM(req.TPM); err != nil {
		return nil, err
	}

	if req.SignedPolicyPath == "" {
		return policy.UnsealWithPCRPolicy(req.TPM, obj, bank)
	}

	signature, err := ReadSignature(req.SignedPolicyPath)
	if err != nil {
		return nil, err
	}
	pubKey, err := ReadPublicKey(req.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	return policy.UnsealWithAuthorizedPolicy(req.TPM, obj, bank, pubKey, signature)
}

// tpm2KeyPlatform writes TPM 2.0 Key File envelopes.
type tpm2KeyPlatform struct{}

func (tpm2KeyPlatform) Name() string { return "tpm2.0" }

func (tpm2KeyPlatform) UnsealFlags() Capability {
	return NeedInputFile | NeedOutputFile
}

func (tpm2KeyPlatform) WriteSealedSecret(path string, pcrs tpm2.PCRSelectionList, obj *policy.SealedObject) error {
	k := NewTPM2Key(obj)
	if pcrs != nil {
		if err := k.AddPolicyPCR(pcrs); err != nil {
			return err
		}
	}
	return WriteTPM2Key(path, k)
}

func (tpm2KeyPlatform) WriteSignedPolicy(req *SignedPolicyRequest) error {
	// Allow an in-place update.
	input := req.InputPath
	if input == "" {
		input = req.OutputPath
	}

	k, err := ReadTPM2Key(input)
	if err != nil {
		return err
	}

	if err := k.PrependAuthPolicy(req.PolicyName, req.Key.NativePublic(), nil, req.Signature); err != nil {
		return err
	}

	return WriteTPM2Key(req.OutputPath, k)
}

func (tpm2KeyPlatform) UnsealSecret(req *UnsealRequest) (*policy.Secret, error) {
	k, err := ReadTPM2Key(req.InputPath)
	if err != nil {
		return nil, err
	}

	programs := k.Programs()
	if programs == nil {
		return nil, fmt.Errorf("%s carries no policy program", req.InputPath)
	}

	return policy.Unseal(req.TPM, k.SealedObject(), programs)
}

// systemdPlatform seals like the tpm2.0 platform; signed policies go into
// the JSON policy file via the dedicated policy-sign-systemd path instead
// of WriteSignedPolicy.
type systemdPlatform struct{}

func (systemdPlatform) Name() string { return "systemd" }

func (systemdPlatform) UnsealFlags() Capability {
	return NeedInputFile | NeedOutputFile
}

func (systemdPlatform) WriteSealedSecret(path string, pcrs tpm2.PCRSelectionList, obj *policy.SealedObject) error {
	return tpm2KeyPlatform{}.WriteSealedSecret(path, pcrs, obj)
}

func (systemdPlatform) WriteSignedPolicy(req *SignedPolicyRequest) error {
	return errors.New("target platform systemd does not support signing policies yet")
}

func (systemdPlatform) UnsealSecret(req *UnsealRequest) (*policy.Secret, error) {
	return nil, errors.New("target platform systemd does not support unsealing yet")
}
