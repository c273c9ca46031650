// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/templates"
	"github.com/canonical/go-tpm2/util"
	"golang.org/x/xerrors"
)

// ErrSigning is returned for any cryptographic failure while producing a
// signed policy.
var ErrSigning = errors.New("policy signing failed")

// RSAKey is an RSA signing key loaded from a PEM file. Only RSA keys with
// moduli of 1024, 2048, 3072 or 4096 bits are supported; signatures are
// RSASSA over SHA-256.
type RSAKey struct {
	path    string
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

func checkRSABits(pub *rsa.PublicKey) error {
	switch bits := pub.N.BitLen(); bits {
	case 1024, 2048, 3072, 4096:
		return nil
	default:
		return fmt.Errorf("unsupported RSA modulus size %d", bits)
	}
}

// LoadRSAPrivateKey reads an RSA private key from a PEM file (PKCS#1 or
// PKCS#8).
func LoadRSAPrivateKey(path string) (*RSAKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(data)

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s does not contain a PEM block", path)
	}
	defer zeroBytes(block.Bytes)

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, perr := x509.ParsePKCS8PrivateKey(block.Bytes)
		if perr != nil {
			err = perr
			break
		}
		var ok bool
		key, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			err = errors.New("not an RSA key")
		}
	default:
		err = fmt.Errorf("unexpected PEM block type \"%s\"", block.Type)
	}
	if err != nil {
		return nil, xerrors.Errorf("cannot parse private key %s: %w", path, err)
	}

	if err := checkRSABits(&key.PublicKey); err != nil {
		return nil, err
	}

	return &RSAKey{path: path, public: &key.PublicKey, private: key}, nil
}

// LoadRSAPublicKey reads an RSA public key from a PEM file. A private key
// file is accepted too; its public half is used.
func LoadRSAPublicKey(path string) (*RSAKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s does not contain a PEM block", path)
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Errorf("cannot parse public key %s: %w", path, err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s is not an RSA key", path)
		}
		if err := checkRSABits(pub); err != nil {
			return nil, err
		}
		return &RSAKey{path: path, public: pub}, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Errorf("cannot parse public key %s: %w", path, err)
		}
		if err := checkRSABits(pub); err != nil {
			return nil, err
		}
		return &RSAKey{path: path, public: pub}, nil
	default:
		return LoadRSAPrivateKey(path)
	}
}

// IsPrivate reports whether the key holds private material.
func (k *RSAKey) IsPrivate() bool {
	return k.private != nil
}

// Public returns the RSA public key.
func (k *RSAKey) Public() *rsa.PublicKey {
	return k.public
}

// NativePublic returns the public half as a TPM2B_PUBLIC suitable for
// TPM2_LoadExternal.
func (k *RSAKey) NativePublic() *tpm2.Public {
	return util.NewExternalRSAPublicKey(tpm2.HashAlgorithmSHA256, templates.KeyUsageSign, nil, k.public)
}

// Fingerprint returns the SHA-256 fingerprint of the public key (over its
// PKIX DER encoding), as used by the systemd JSON policy file.
func (k *RSAKey) Fingerprint() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(k.public)
	if err != nil {
		return nil, err
	}
	fp := sha256.Sum256(der)
	return fp[:], nil
}

// Sign signs the raw bytes of a pcr-policy digest: RSASSA (PKCS#1 v1.5)
// over the SHA-256 of the digest bytes. The signed artifact is always the
// pcr-policy digest, never the authorized-policy digest.
func (k *RSAKey) Sign(pcrPolicy tpm2.Digest) (*tpm2.Signature, error) {
	if k.private == nil {
		return nil, fmt.Errorf("%s does not hold a private key", k.path)
	}

	digest := sha256.Sum256(pcrPolicy)
	sig, err := rsa.SignPKCS1v15(nil, k.private, crypto.SHA256, digest[:])
	if err != nil {
		return nil, ErrSigning
	}

	return &tpm2.Signature{
		SigAlg: tpm2.SigSchemeAlgRSASSA,
		Signature: &tpm2.SignatureU{
			RSASSA: &tpm2.SignatureRSASSA{
				Hash: tpm2.HashAlgorithmSHA256,
				Sig:  tpm2.PublicKeyRSA(sig)}}}, nil
}

// SignatureHashAlg extracts the hash algorithm a signature was produced
// with, discovered from the signature structure.
func SignatureHashAlg(sig *tpm2.Signature) tpm2.HashAlgorithmId {
	switch sig.SigAlg {
	case tpm2.SigSchemeAlgRSASSA:
		return sig.Signature.RSASSA.Hash
	case tpm2.SigSchemeAlgRSAPSS:
		return sig.Signature.RSAPSS.Hash
	case tpm2.SigSchemeAlgECDSA:
		return sig.Signature.ECDSA.Hash
	default:
		return tpm2.HashAlgorithmNull
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
