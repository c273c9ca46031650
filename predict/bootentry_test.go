// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package predict_test

import (
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	. "github.com/reemo-io/pcr-oracle/predict"
)

type bootentrySuite struct{}

var _ = Suite(&bootentrySuite{})

func (s *bootentrySuite) TestLoadBootEntry(c *C) {
	path := filepath.Join(c.MkDir(), "opensuse-6.5.3-1.conf")
	c.Assert(os.WriteFile(path, []byte(`title openSUSE Tumbleweed
version 6.5.3-1
sort-key opensuse
machine-id 5a9f6e187c9141f3a5e9c4e98fbbbe4b
options root=/dev/sda2 quiet
linux /opensuse/6.5.3-1/linux
initrd /opensuse/6.5.3-1/initrd
`), 0644), IsNil)

	entry, err := LoadBootEntry(path)
	c.Assert(err, IsNil)
	c.Check(entry.Title, Equals, "openSUSE Tumbleweed")
	c.Check(entry.Version, Equals, "6.5.3-1")
	c.Check(entry.SortKey, Equals, "opensuse")
	c.Check(entry.Options, Equals, "root=/dev/sda2 quiet")
	c.Check(entry.ImagePath, Equals, "/opensuse/6.5.3-1/linux")
	c.Check(entry.InitrdPath, Equals, "/opensuse/6.5.3-1/initrd")
}

func (s *bootentrySuite) TestCompareVersions(c *C) {
	for _, t := range []struct {
		a, b     string
		expected int
	}{
		{"6.4.0", "6.4.0", 0},
		{"6.4.0", "6.5.0", -1},
		{"6.10.0", "6.9.0", 1},
		{"6.4.0-1", "6.4.0-2", -1},
		{"6.4.0~rc1", "6.4.0", -1},
		{"6.4.0", "6.4.0.1", -1},
		{"5.14.21-150500.55.83", "5.14.21-150500.55.9", 1},
	} {
		got := CompareVersions(t.a, t.b)
		var sign int
		switch {
		case got < 0:
			sign = -1
		case got > 0:
			sign = 1
		}
		c.Check(sign, Equals, t.expected, Commentf("%s vs %s", t.a, t.b))
	}
}

func (s *bootentrySuite) TestClassifiers(c *C) {
	c.Check(IsKernel("/opensuse/6.5.3-1/linux"), Equals, true)
	c.Check(IsKernel("/boot/vmlinuz-6.4"), Equals, true)
	c.Check(IsKernel("\\opensuse\\6.5.3-1\\linux"), Equals, true)
	c.Check(IsKernel("/EFI/BOOT/grub.cfg"), Equals, false)

	c.Check(IsInitrd("/opensuse/6.5.3-1/initrd"), Equals, true)
	c.Check(IsInitrd("/boot/initrd-6.4"), Equals, true)
	c.Check(IsInitrd("/boot/vmlinuz-6.4"), Equals, false)

	c.Check(IsBootEntry("/loader/entries/opensuse-6.5.3-1.conf"), Equals, true)
	c.Check(IsBootEntry("/opensuse/6.5.3-1/linux"), Equals, false)
}
