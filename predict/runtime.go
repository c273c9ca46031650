// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package predict

import (
	"crypto"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	efi "github.com/canonical/go-efilib"
	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle"
	"github.com/reemo-io/pcr-oracle/internal/logmsg"
)

// ESPMountPoint is where the EFI system partition is expected to be
// mounted.
var ESPMountPoint = "/boot/efi"

// AuthenticodeDigester computes the Authenticode digest of the PE/COFF
// image read from r: the image digest over all sections excluding the
// certificate table and the checksum field. The byte-level walking of the
// image is outside this package; installing an implementation enables
// re-hashing of boot services application events.
var AuthenticodeDigester func(alg crypto.Hash, r io.Reader) ([]byte, error)

// Runtime provides the next boot's artifacts to the re-hash engine. The
// default implementation reads the running system; tests substitute their
// own.
type Runtime interface {
	// DigestSystemFile hashes a file on the system partition.
	DigestSystemFile(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error)

	// DigestESPFile hashes a file on the EFI system partition. The path
	// is relative to the partition root (a leading / or \ is accepted).
	DigestESPFile(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error)

	// ReadEFIVariable reads the current contents of an EFI runtime
	// variable.
	ReadEFIVariable(name string, guid efi.GUID) ([]byte, error)

	// AuthenticodeDigest computes the Authenticode digest of the PE/COFF
	// image at the supplied ESP-relative path.
	AuthenticodeDigest(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error)
}

// hostRuntime is the Runtime of the running system. An empty esp falls
// back to ESPMountPoint.
type hostRuntime struct {
	esp string
}

func (r hostRuntime) espRoot() string {
	if r.esp != "" {
		return r.esp
	}
	return ESPMountPoint
}

func digestFile(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := alg.NewHash()
	if _, err := io.Copy(h, f); err != nil {
		return nil, xerrors.Errorf("cannot hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

func (r hostRuntime) DigestSystemFile(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error) {
	logmsg.Debug("  hashing system file %s\n", path)
	return digestFile(alg, path)
}

func (r hostRuntime) DigestESPFile(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error) {
	full := filepath.Join(r.espRoot(), pathDOSToUnix(path))
	logmsg.Debug("  hashing EFI partition file %s\n", full)
	return digestFile(alg, full)
}

func (r hostRuntime) ReadEFIVariable(name string, guid efi.GUID) ([]byte, error) {
	data, _, err := efi.ReadVariable(name, guid)
	return data, err
}

func (r hostRuntime) AuthenticodeDigest(alg tpm2.HashAlgorithmId, path string) (pcroracle.Digest, error) {
	if AuthenticodeDigester == nil {
		return nil, errors.New("no Authenticode digester is installed")
	}

	full := filepath.Join(r.espRoot(), pathDOSToUnix(path))
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return AuthenticodeDigester(alg.GetHash(), f)
}

func pathDOSToUnix(path string) string {
	return strings.Replace(path, "\\", "/", -1)
}

func pathUnixToDOS(path string) string {
	return strings.Replace(path, "/", "\\", -1)
}
