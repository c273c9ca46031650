// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package predict

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle/internal/logmsg"
)

// BootEntry is a Boot Loader Specification Type #1 entry describing a
// kernel the boot loader can start.
type BootEntry struct {
	Path       string // the entry file this was read from
	Title      string
	SortKey    string
	MachineID  string
	Version    string
	Options    string // kernel command line options
	ImagePath  string // "linux" line, ESP-relative
	InitrdPath string // "initrd" line, ESP-relative
}

func readBootEntry(path string) (*BootEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entry := &BootEntry{Path: path}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), " ")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "title":
			entry.Title = value
		case "sort-key":
			entry.SortKey = value
		case "machine-id":
			entry.MachineID = value
		case "version":
			entry.Version = value
		case "options":
			entry.Options = value
		case "linux":
			entry.ImagePath = value
		case "initrd":
			entry.InitrdPath = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entry, nil
}

// LoadBootEntry reads a single Type #1 entry file.
func LoadBootEntry(path string) (*BootEntry, error) {
	return readBootEntry(path)
}

func readSingleLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

func readOSRelease(key string) string {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if !ok || strings.TrimSpace(k) != key {
			continue
		}
		v = strings.TrimSpace(v)
		if unquoted, err := strconv.Unquote(v); err == nil {
			return unquoted
		}
		return v
	}
	return ""
}

// entryToken resolves the prefix that identifies this installation's boot
// entries: /etc/kernel/entry-token if present, otherwise the os-release ID
// or IMAGE_ID, otherwise the machine id - each probed for an existing
// directory on the ESP.
func entryToken() string {
	if token := readSingleLine("/etc/kernel/entry-token"); token != "" {
		return token
	}

	existsOnESP := func(name string) bool {
		if name == "" {
			return false
		}
		fi, err := os.Stat(filepath.Join(ESPMountPoint, name))
		return err == nil && fi.IsDir()
	}

	if id := readOSRelease("ID"); existsOnESP(id) {
		return id
	}
	if imageID := readOSRelease("IMAGE_ID"); existsOnESP(imageID) {
		return imageID
	}
	if machineID := readSingleLine("/etc/machine-id"); existsOnESP(machineID) {
		return machineID
	}
	return ""
}

// compareVersions implements the uapi group version format comparison, so
// that boot entries sort the way the boot loader sorts them.
// https://uapi-group.org/specifications/specs/version_format_specification/
func compareVersions(a, b string) int {
	isValid := func(c byte) bool {
		return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			c == '~' || c == '-' || c == '^' || c == '.'
	}
	isDigit := func(c byte) bool { return c >= '0' && c <= '9' }
	isAlpha := func(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
	cmp := func(x, y int) int {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	}

	for {
		for len(a) > 0 && !isValid(a[0]) {
			a = a[1:]
		}
		for len(b) > 0 && !isValid(b[0]) {
			b = b[1:]
		}

		// A '~' marks a pre-release and sorts lower than everything,
		// including the end of the string.
		aTilde := len(a) > 0 && a[0] == '~'
		bTilde := len(b) > 0 && b[0] == '~'
		if r := cmp(boolToInt(!aTilde), boolToInt(!bTilde)); r != 0 {
			return r
		}
		if aTilde {
			a = a[1:]
			b = b[1:]
		}

		// Otherwise the longer string is considered newer.
		if len(a) == 0 || len(b) == 0 {
			var ca, cb int
			if len(a) > 0 {
				ca = int(a[0])
			}
			if len(b) > 0 {
				cb = int(b[0])
			}
			return cmp(ca, cb)
		}

		for _, s := range []byte{'-', '^', '.'} {
			if a[0] == s || b[0] == s {
				if r := cmp(boolToInt(a[0] != s), boolToInt(b[0] != s)); r != 0 {
					return r
				}
				a = a[1:]
				b = b[1:]
			}
		}
		if len(a) == 0 || len(b) == 0 {
			continue
		}

		if isDigit(a[0]) || isDigit(b[0]) {
			var na, nb int
			for na < len(a) && isDigit(a[na]) {
				na++
			}
			for nb < len(b) && isDigit(b[nb]) {
				nb++
			}
			if r := cmp(boolToInt(na > 0), boolToInt(nb > 0)); r != 0 {
				return r
			}
			va, _ := strconv.Atoi(a[:na])
			vb, _ := strconv.Atoi(b[:nb])
			if r := cmp(va, vb); r != 0 {
				return r
			}
			a = a[na:]
			b = b[nb:]
		} else {
			var na, nb int
			for na < len(a) && isAlpha(a[na]) {
				na++
			}
			for nb < len(b) && isAlpha(b[nb]) {
				nb++
			}
			n := na
			if nb < n {
				n = nb
			}
			if r := strings.Compare(a[:n], b[:n]); r != 0 {
				return r
			}
			if r := cmp(na, nb); r != 0 {
				return r
			}
			a = a[na:]
			b = b[nb:]
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// BootEntries returns the installation's boot entries from the ESP, newest
// first, sorted the way the boot loader specification mandates
// (sort-key, machine-id, version).
func BootEntries() ([]*BootEntry, error) {
	token := entryToken()
	if token == "" {
		return nil, fmt.Errorf("cannot determine the boot entry token")
	}

	dir := filepath.Join(ESPMountPoint, "loader/entries")
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Errorf("cannot read boot loader entries: %w", err)
	}

	var entries []*BootEntry
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), token) {
			continue
		}
		logmsg.Debug("boot loader entry %s\n", file.Name())

		entry, err := readBootEntry(filepath.Join(dir, file.Name()))
		if err != nil {
			logmsg.Error("cannot read boot loader entry %s: %v\n", file.Name(), err)
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if r := strings.Compare(a.SortKey, b.SortKey); r != 0 {
			return r > 0
		}
		if r := strings.Compare(a.MachineID, b.MachineID); r != 0 {
			return r > 0
		}
		return compareVersions(a.Version, b.Version) > 0
	})

	return entries, nil
}

// NextBootEntry returns the entry the next boot is expected to use.
func NextBootEntry() (*BootEntry, error) {
	entries, err := BootEntries()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no boot entries found")
	}
	return entries[0], nil
}

// IsBootEntry reports whether the supplied ESP path names a Type #1 boot
// loader entry file.
func IsBootEntry(path string) bool {
	path = pathDOSToUnix(path)
	return strings.Contains(path, "/loader/entries/") && strings.HasSuffix(path, ".conf")
}

// IsKernel reports whether the supplied path names a kernel image, either
// in the boot loader specification layout ("<token>/<version>/linux") or as
// a conventional /boot/vmlinuz-<version> install.
func IsKernel(path string) bool {
	base := filepath.Base(pathDOSToUnix(path))
	return strings.HasPrefix(base, "vmlinuz") || strings.HasPrefix(base, "linux") ||
		strings.HasPrefix(base, "Image")
}

// IsInitrd reports whether the supplied path names an initrd.
func IsInitrd(path string) bool {
	return strings.HasPrefix(filepath.Base(pathDOSToUnix(path)), "initrd")
}
