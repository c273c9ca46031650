// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package keyfile reads and writes the on-disk containers for sealed
// secrets and signed policies: the legacy concatenated format understood by
// older grub2 builds, the TPM 2.0 Key File format, and the systemd JSON
// signed-policy file.
package keyfile

import (
	"os"
	"path/filepath"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle/policy"
)

// writeFileAtomic writes data to path via a temporary file and rename, so
// that a failed operation never leaves a partial artifact behind.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	f, err := os.CreateTemp(dir, base+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// WriteSealedSecret writes a sealed secret in the legacy format: the
// marshalled TPM2B_PUBLIC followed by the marshalled TPM2B_PRIVATE.
func WriteSealedSecret(path string, obj *policy.SealedObject) error {
	pub, err := policy.MarshalSizedPublic(obj.Public)
	if err != nil {
		return xerrors.Errorf("cannot marshal sealed public area: %w", err)
	}
	priv, err := mu.MarshalToBytes(obj.Private)
	if err != nil {
		return xerrors.Errorf("cannot marshal sealed private area: %w", err)
	}
	return writeFileAtomic(path, append(pub, priv...), 0600)
}

// ReadSealedSecret reads a sealed secret in the legacy format.
func ReadSealedSecret(path string) (*policy.SealedObject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pub tpm2.Public
	n, err := policy.UnmarshalSizedPublic(data, &pub)
	if err != nil {
		return nil, xerrors.Errorf("%s does not seem to contain a valid pair of public/private sealed data: %w", path, err)
	}

	var priv tpm2.Private
	if _, err := mu.UnmarshalFromBytes(data[n:], &priv); err != nil {
		return nil, xerrors.Errorf("%s does not seem to contain a valid pair of public/private sealed data: %w", path, err)
	}

	return &policy.SealedObject{Private: priv, Public: &pub}, nil
}

// WriteSignature writes a marshalled TPMT_SIGNATURE, the legacy form of a
// signed policy.
func WriteSignature(path string, sig *tpm2.Signature) error {
	data, err := mu.MarshalToBytes(sig)
	if err != nil {
		return xerrors.Errorf("cannot marshal signature: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

// ReadSignature reads a marshalled TPMT_SIGNATURE.
func ReadSignature(path string) (*tpm2.Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sig tpm2.Signature
	if _, err := mu.UnmarshalFromBytes(data, &sig); err != nil {
		return nil, xerrors.Errorf("%s does not seem to contain a valid signature: %w", path, err)
	}
	return &sig, nil
}

// WriteDigest writes a marshalled TPM2B_DIGEST (eg, an authorized-policy
// digest).
func WriteDigest(path string, digest tpm2.Digest) error {
	data, err := mu.MarshalToBytes(digest)
	if err != nil {
		return xerrors.Errorf("cannot marshal digest: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

// ReadDigest reads a marshalled TPM2B_DIGEST.
func ReadDigest(path string) (tpm2.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var digest tpm2.Digest
	if _, err := mu.UnmarshalFromBytes(data, &digest); err != nil {
		return nil, xerrors.Errorf("%s does not seem to contain a valid digest: %w", path, err)
	}
	return digest, nil
}

// WritePublicKey stores the public portion of an RSA key as a marshalled
// TPM2B_PUBLIC. This makes loading easier for a boot loader, which does not
// want to handle PEM/DER/ASN.1.
func WritePublicKey(path string, pub *tpm2.Public) error {
	data, err := policy.MarshalSizedPublic(pub)
	if err != nil {
		return xerrors.Errorf("cannot marshal public key: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

// ReadPublicKey reads a marshalled TPM2B_PUBLIC.
func ReadPublicKey(path string) (*tpm2.Public, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pub tpm2.Public
	if _, err := policy.UnmarshalSizedPublic(data, &pub); err != nil {
		return nil, xerrors.Errorf("%s does not seem to contain a valid public key: %w", path, err)
	}
	return &pub, nil
}
