// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package keyfile_test

import (
	"encoding/json"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	. "github.com/reemo-io/pcr-oracle/keyfile"
)

type systemdSuite struct{}

var _ = Suite(&systemdSuite{})

func (s *systemdSuite) TestAddEntry(c *C) {
	f := make(SystemdPolicyFile)
	f.AddEntry("sha256", 1<<7, []byte{0x01}, []byte{0x02}, []byte{0x03})

	c.Assert(f["sha256"], HasLen, 1)
	entry := f["sha256"][0]
	c.Check(entry.PCRs, DeepEquals, []int{7})
	c.Check(entry.PKFP, Equals, "01")
	c.Check(entry.Pol, Equals, "02")
	c.Check(entry.Sig, Equals, "Aw==")
}

// Adding an entry with the same policy digest must merge rather than
// duplicate, with the new PCR set taking effect.
func (s *systemdSuite) TestAddEntryMerges(c *C) {
	f := make(SystemdPolicyFile)
	f.AddEntry("sha256", 1<<7, []byte{0x01}, []byte{0x02}, []byte{0x03})
	f.AddEntry("sha256", 1<<4|1<<7, []byte{0x01}, []byte{0x02}, []byte{0x04})

	c.Assert(f["sha256"], HasLen, 1)
	entry := f["sha256"][0]
	c.Check(entry.PCRs, DeepEquals, []int{4, 7})
	c.Check(entry.Sig, Equals, "BA==")
}

func (s *systemdSuite) TestAddEntryDifferentPolicies(c *C) {
	f := make(SystemdPolicyFile)
	f.AddEntry("sha256", 1<<7, []byte{0x01}, []byte{0x02}, []byte{0x03})
	f.AddEntry("sha256", 1<<7, []byte{0x01}, []byte{0x05}, []byte{0x03})

	c.Check(f["sha256"], HasLen, 2)
}

func (s *systemdSuite) TestRoundTrip(c *C) {
	path := filepath.Join(c.MkDir(), "policy.json")

	f := make(SystemdPolicyFile)
	f.AddEntry("sha256", 1<<7, []byte{0x01}, []byte{0x02}, []byte{0x03})
	c.Assert(f.Write(path), IsNil)

	decoded, err := ReadSystemdPolicyFile(path)
	c.Assert(err, IsNil)
	c.Check(decoded, DeepEquals, f)

	// The document must be plain JSON with the expected shape.
	data, err := os.ReadFile(path)
	c.Assert(err, IsNil)
	var doc map[string][]map[string]any
	c.Check(json.Unmarshal(data, &doc), IsNil)
	c.Check(doc["sha256"][0]["pol"], Equals, "02")
}

func (s *systemdSuite) TestReadMissingFile(c *C) {
	f, err := ReadSystemdPolicyFile(filepath.Join(c.MkDir(), "nonexistent.json"))
	c.Assert(err, IsNil)
	c.Check(f, HasLen, 0)
}
