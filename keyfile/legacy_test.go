// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package keyfile_test

import (
	"path/filepath"

	"github.com/canonical/go-tpm2"

	. "gopkg.in/check.v1"

	. "github.com/reemo-io/pcr-oracle/keyfile"
)

type legacySuite struct{}

var _ = Suite(&legacySuite{})

func (s *legacySuite) TestSealedSecretRoundTrip(c *C) {
	obj := testSealedObject(c)

	path := filepath.Join(c.MkDir(), "sealed.bin")
	c.Assert(WriteSealedSecret(path, obj), IsNil)

	decoded, err := ReadSealedSecret(path)
	c.Assert(err, IsNil)
	c.Check(decoded.Private, DeepEquals, obj.Private)

	name, err := decoded.Public.Name()
	c.Assert(err, IsNil)
	expected, err := obj.Public.Name()
	c.Assert(err, IsNil)
	c.Check(name, DeepEquals, expected)
}

func (s *legacySuite) TestSignatureRoundTrip(c *C) {
	key := testSigningKey(c)
	sig, err := key.Sign(tpm2.Digest(make([]byte, 32)))
	c.Assert(err, IsNil)

	path := filepath.Join(c.MkDir(), "policy.sig")
	c.Assert(WriteSignature(path, sig), IsNil)

	decoded, err := ReadSignature(path)
	c.Assert(err, IsNil)
	c.Check(decoded.SigAlg, Equals, tpm2.SigSchemeAlgRSASSA)
	c.Check(decoded.Signature.RSASSA.Hash, Equals, tpm2.HashAlgorithmSHA256)
	c.Check(decoded.Signature.RSASSA.Sig, DeepEquals, sig.Signature.RSASSA.Sig)
}

func (s *legacySuite) TestDigestRoundTrip(c *C) {
	digest := tpm2.Digest{0x01, 0x02, 0x03}

	path := filepath.Join(c.MkDir(), "policy.digest")
	c.Assert(WriteDigest(path, digest), IsNil)

	decoded, err := ReadDigest(path)
	c.Assert(err, IsNil)
	c.Check(decoded, DeepEquals, digest)
}

func (s *legacySuite) TestPublicKeyRoundTrip(c *C) {
	key := testSigningKey(c)

	path := filepath.Join(c.MkDir(), "key.tss")
	c.Assert(WritePublicKey(path, key.NativePublic()), IsNil)

	decoded, err := ReadPublicKey(path)
	c.Assert(err, IsNil)
	c.Check(decoded.Type, Equals, tpm2.ObjectTypeRSA)

	name, err := decoded.Name()
	c.Assert(err, IsNil)
	expected, err := key.NativePublic().Name()
	c.Assert(err, IsNil)
	c.Check(name, DeepEquals, expected)
}

func (s *legacySuite) TestGetTargetPlatform(c *C) {
	for _, name := range []string{"oldgrub", "tpm2.0", "systemd"} {
		platform, err := GetTargetPlatform(name)
		c.Assert(err, IsNil)
		c.Check(platform.Name(), Equals, name)
	}

	_, err := GetTargetPlatform("windows")
	c.Check(err, ErrorMatches, `unknown target platform "windows"`)
}

func (s *legacySuite) TestPlatformCapabilities(c *C) {
	oldgrub, err := GetTargetPlatform("oldgrub")
	c.Assert(err, IsNil)
	c.Check(oldgrub.UnsealFlags()&NeedPCRSelection, Not(Equals), Capability(0))

	tpm2key, err := GetTargetPlatform("tpm2.0")
	c.Assert(err, IsNil)
	c.Check(tpm2key.UnsealFlags()&NeedPCRSelection, Equals, Capability(0))
}
