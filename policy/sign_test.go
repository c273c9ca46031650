// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/canonical/go-tpm2"

	. "gopkg.in/check.v1"

	. "github.com/reemo-io/pcr-oracle/policy"
)

type signSuite struct{}

var _ = Suite(&signSuite{})

func writePrivateKeyPEM(c *C, key *rsa.PrivateKey) string {
	path := filepath.Join(c.MkDir(), "key.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	c.Assert(os.WriteFile(path, pem.EncodeToMemory(block), 0600), IsNil)
	return path
}

func generateKey(c *C, bits int) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	c.Assert(err, IsNil)
	return key
}

func (s *signSuite) TestLoadRSAPrivateKey(c *C) {
	path := writePrivateKeyPEM(c, generateKey(c, 2048))

	key, err := LoadRSAPrivateKey(path)
	c.Assert(err, IsNil)
	c.Check(key.IsPrivate(), Equals, true)
	c.Check(key.Public().N.BitLen(), Equals, 2048)
}

func (s *signSuite) TestLoadRSAPrivateKeyPKCS8(c *C) {
	key := generateKey(c, 2048)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	c.Assert(err, IsNil)

	path := filepath.Join(c.MkDir(), "key.pem")
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	c.Assert(os.WriteFile(path, pem.EncodeToMemory(block), 0600), IsNil)

	loaded, err := LoadRSAPrivateKey(path)
	c.Assert(err, IsNil)
	c.Check(loaded.IsPrivate(), Equals, true)
}

func (s *signSuite) TestLoadRSAPrivateKeyRejectsUnsupportedSize(c *C) {
	path := writePrivateKeyPEM(c, generateKey(c, 1536))

	_, err := LoadRSAPrivateKey(path)
	c.Check(err, ErrorMatches, `unsupported RSA modulus size 1536`)
}

func (s *signSuite) TestLoadRSAPublicKey(c *C) {
	key := generateKey(c, 2048)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	c.Assert(err, IsNil)

	path := filepath.Join(c.MkDir(), "key.pub")
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	c.Assert(os.WriteFile(path, pem.EncodeToMemory(block), 0644), IsNil)

	loaded, err := LoadRSAPublicKey(path)
	c.Assert(err, IsNil)
	c.Check(loaded.IsPrivate(), Equals, false)
	c.Check(loaded.Public().N.Cmp(key.PublicKey.N), Equals, 0)
}

// For any (pcr_digest, private_key) pair, verification of the produced
// signature with the public half must succeed.
func (s *signSuite) TestSignAndVerify(c *C) {
	key, err := LoadRSAPrivateKey(writePrivateKeyPEM(c, generateKey(c, 2048)))
	c.Assert(err, IsNil)

	pcrPolicy := tpm2.Digest(make([]byte, 32))
	pcrPolicy[31] = 0x01

	signature, err := key.Sign(pcrPolicy)
	c.Assert(err, IsNil)
	c.Check(signature.SigAlg, Equals, tpm2.SigSchemeAlgRSASSA)
	c.Check(signature.Signature.RSASSA.Hash, Equals, tpm2.HashAlgorithmSHA256)

	digest := sha256.Sum256(pcrPolicy)
	c.Check(rsa.VerifyPKCS1v15(key.Public(), crypto.SHA256, digest[:],
		signature.Signature.RSASSA.Sig), IsNil)
}

func (s *signSuite) TestSignRequiresPrivateKey(c *C) {
	key := generateKey(c, 2048)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	c.Assert(err, IsNil)

	path := filepath.Join(c.MkDir(), "key.pub")
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	c.Assert(os.WriteFile(path, pem.EncodeToMemory(block), 0644), IsNil)

	loaded, err := LoadRSAPublicKey(path)
	c.Assert(err, IsNil)

	_, err = loaded.Sign(tpm2.Digest(make([]byte, 32)))
	c.Check(err, ErrorMatches, `.* does not hold a private key`)
}

func (s *signSuite) TestNativePublic(c *C) {
	key, err := LoadRSAPrivateKey(writePrivateKeyPEM(c, generateKey(c, 2048)))
	c.Assert(err, IsNil)

	pub := key.NativePublic()
	c.Assert(pub, NotNil)
	c.Check(pub.Type, Equals, tpm2.ObjectTypeRSA)
	c.Check(pub.NameAlg, Equals, tpm2.HashAlgorithmSHA256)
}

func (s *signSuite) TestFingerprint(c *C) {
	key, err := LoadRSAPrivateKey(writePrivateKeyPEM(c, generateKey(c, 2048)))
	c.Assert(err, IsNil)

	fp, err := key.Fingerprint()
	c.Assert(err, IsNil)
	c.Check(fp, HasLen, 32)

	fp2, err := key.Fingerprint()
	c.Assert(err, IsNil)
	c.Check(fp2, DeepEquals, fp)
}

func (s *signSuite) TestSignatureHashAlg(c *C) {
	sig := &tpm2.Signature{
		SigAlg: tpm2.SigSchemeAlgRSASSA,
		Signature: &tpm2.SignatureU{
			RSASSA: &tpm2.SignatureRSASSA{
				Hash: tpm2.HashAlgorithmSHA256,
				Sig:  tpm2.PublicKeyRSA{0x01}}}}
	c.Check(SignatureHashAlg(sig), Equals, tpm2.HashAlgorithmSHA256)
}
