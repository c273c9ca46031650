// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package predict

import (
	"fmt"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle"
	"github.com/reemo-io/pcr-oracle/internal/logmsg"
)

// Strategy describes how the digest for an event is obtained when
// predicting the next boot.
type Strategy int

const (
	// StrategyCopy reuses the digest recorded by the firmware. Used for
	// events the predictor cannot or need not reproduce.
	StrategyCopy Strategy = iota

	// StrategyRehash recomputes the digest from the artifacts of the
	// next boot.
	StrategyRehash
)

// Context carries the description of the next boot, consumed read-only by
// the re-hashers.
type Context struct {
	// BootEntry describes the kernel the next boot will load, or nil if
	// the same kernel is expected.
	BootEntry *BootEntry

	// BootEntryPath substitutes a different boot loader entry file.
	BootEntryPath string

	// ESP overrides the mount point of the EFI system partition.
	ESP string

	// Require turns a failed or inapplicable re-hash into a prediction
	// error instead of falling back to the firmware digest.
	Require bool

	// Runtime provides access to the next boot's artifacts. Defaults to
	// the running system.
	Runtime Runtime
}

func (c *Context) runtime() Runtime {
	if c.Runtime == nil {
		return hostRuntime{esp: c.ESP}
	}
	return c.Runtime
}

// Predictor selects the digest for each event during a replay: either the
// firmware's recorded digest, or one recomputed against the supplied
// context. The original event is never mutated.
type Predictor struct {
	ctx *Context
}

// NewPredictor returns a predictor for the supplied context. A nil context
// predicts an unchanged boot - every event keeps its firmware digest.
func NewPredictor(ctx *Context) *Predictor {
	if ctx == nil {
		ctx = &Context{}
	}
	return &Predictor{ctx: ctx}
}

// Strategy returns the rehash strategy for an event.
func (p *Predictor) Strategy(ev *pcroracle.Event) Strategy {
	switch ev.Data.(type) {
	case *pcroracle.EFIVariableData, *pcroracle.EFIImageLoadEvent, *pcroracle.EFIGPTData,
		*pcroracle.GrubFileEventData, *pcroracle.GrubCommandEventData,
		*pcroracle.SystemdEFIStubEventData, *pcroracle.ShimEventData,
		*pcroracle.TagEventData:
		return StrategyRehash
	default:
		return StrategyCopy
	}
}

// DigestFor returns the digest the event will contribute to the predicted
// bank under the supplied algorithm. For copy-strategy events this is the
// digest recorded in the log (nil if the log has none for the algorithm).
// A re-hasher that cannot produce a usable digest demotes the event to the
// copy strategy, unless the context requires substitution, in which case
// the prediction fails.
func (p *Predictor) DigestFor(ev *pcroracle.Event, alg tpm2.HashAlgorithmId) (pcroracle.Digest, error) {
	recorded := ev.Digest(alg)

	if p.Strategy(ev) == StrategyCopy {
		return recorded, nil
	}

	digest, err := p.rehash(ev, alg)
	switch {
	case err == nil && digest != nil && !pcroracle.IsDigestInvalid(alg, digest):
		return digest, nil
	case p.ctx.Require:
		if err != nil {
			return nil, xerrors.Errorf("cannot re-hash event %d (%v): %w", ev.Index, ev.EventType, err)
		}
		return nil, fmt.Errorf("cannot re-hash event %d (%v)", ev.Index, ev.EventType)
	default:
		if err != nil {
			logmsg.Debug("falling back to recorded digest for event %d: %v\n", ev.Index, err)
		}
		return recorded, nil
	}
}

func hashString(alg tpm2.HashAlgorithmId, s string) pcroracle.Digest {
	h := alg.NewHash()
	h.Write([]byte(s))
	return h.Sum(nil)
}

func hashBytes(alg tpm2.HashAlgorithmId, b []byte) pcroracle.Digest {
	h := alg.NewHash()
	h.Write(b)
	return h.Sum(nil)
}

func (p *Predictor) rehash(ev *pcroracle.Event, alg tpm2.HashAlgorithmId) (pcroracle.Digest, error) {
	ctx := p.ctx

	switch data := ev.Data.(type) {
	case *pcroracle.EFIVariableData:
		return p.rehashEFIVariable(data, alg)

	case *pcroracle.EFIImageLoadEvent:
		path := data.FilePath()
		if path == "" {
			return nil, fmt.Errorf("image load event has no file path")
		}
		return ctx.runtime().AuthenticodeDigest(alg, path)

	case *pcroracle.EFIGPTData:
		d, err := pcroracle.ComputeEFIGPTDataDigest(alg.GetHash(), data)
		if err != nil {
			return nil, err
		}
		return d, nil

	case *pcroracle.GrubFileEventData:
		return p.rehashGrubFile(data, alg)

	case *pcroracle.GrubCommandEventData:
		return p.rehashGrubCommand(data, alg)

	case *pcroracle.SystemdEFIStubEventData:
		return p.rehashStubCommandline(ev, alg)

	case *pcroracle.ShimEventData:
		value, err := ctx.runtime().ReadEFIVariable(data.RuntimeName, pcroracle.ShimLockGuid)
		if err != nil {
			return nil, xerrors.Errorf("cannot read EFI variable %s: %w", data.RuntimeName, err)
		}
		return hashBytes(alg, value), nil

	case *pcroracle.TagEventData:
		switch data.EventID {
		case pcroracle.TagIDLoadOptions:
			return p.rehashStubCommandline(ev, alg)
		case pcroracle.TagIDInitrd:
			if ctx.BootEntry == nil {
				return ev.Digest(alg), nil
			}
			if ctx.BootEntry.InitrdPath == "" {
				return nil, fmt.Errorf("unable to identify the next initrd")
			}
			logmsg.Debug("measuring initrd: %s\n", ctx.BootEntry.InitrdPath)
			return ctx.runtime().DigestESPFile(alg, ctx.BootEntry.InitrdPath)
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func (p *Predictor) rehashEFIVariable(data *pcroracle.EFIVariableData, alg tpm2.HashAlgorithmId) (pcroracle.Digest, error) {
	value, err := p.ctx.runtime().ReadEFIVariable(data.UnicodeName, data.VariableName)
	if err != nil {
		return nil, xerrors.Errorf("cannot read EFI variable %s: %w", data.UnicodeName, err)
	}
	return pcroracle.ComputeEFIVariableDataDigest(alg.GetHash(), data.UnicodeName, data.VariableName, value), nil
}

func (p *Predictor) rehashGrubFile(data *pcroracle.GrubFileEventData, alg tpm2.HashAlgorithmId) (pcroracle.Digest, error) {
	ctx := p.ctx
	rt := ctx.runtime()
	file := data.File

	// Whichever partition the file lives on, a substituted artifact from
	// the next boot entry takes precedence over the recorded path.
	digest := rt.DigestESPFile
	if file.OnSystemPartition() {
		digest = rt.DigestSystemFile
	}

	logmsg.Debug("  re-hashing grub2 file load from %s\n", file.Join())
	switch {
	case IsBootEntry(file.Path) && ctx.BootEntryPath != "":
		logmsg.Debug("  getting different boot entry file: %s\n", ctx.BootEntryPath)
		return rt.DigestSystemFile(alg, ctx.BootEntryPath)
	case IsKernel(file.Path) && ctx.BootEntry != nil:
		logmsg.Debug("  getting different kernel: %s\n", ctx.BootEntry.ImagePath)
		return digest(alg, ctx.BootEntry.ImagePath)
	case IsInitrd(file.Path) && ctx.BootEntry != nil:
		logmsg.Debug("  getting different initrd: %s\n", ctx.BootEntry.InitrdPath)
		return digest(alg, ctx.BootEntry.InitrdPath)
	default:
		return digest(alg, file.Path)
	}
}

func (p *Predictor) rehashGrubCommand(data *pcroracle.GrubCommandEventData, alg tpm2.HashAlgorithmId) (pcroracle.Digest, error) {
	entry := p.ctx.BootEntry

	str := data.Str
	if entry != nil && data.File.Path != "" {
		switch data.Type {
		case pcroracle.GrubCmdLinux:
			file := pcroracle.GrubFile{Device: data.File.Device, Path: entry.ImagePath}
			str = fmt.Sprintf("linux %s %s", file.Join(), entry.Options)
		case pcroracle.GrubCmdInitrd:
			file := pcroracle.GrubFile{Device: data.File.Device, Path: entry.InitrdPath}
			str = fmt.Sprintf("initrd %s", file.Join())
		case pcroracle.GrubKernelCmdline:
			file := pcroracle.GrubFile{Device: data.File.Device, Path: entry.ImagePath}
			str = fmt.Sprintf("%s %s", file.Join(), entry.Options)
		}
	}
	logmsg.Debug("  hashed grub2 command: %s\n", str)
	return hashString(alg, str), nil
}

// rehashStubCommandline recomputes the command line measurement made by
// systemd's EFI stub (or the kernel's LOAD_OPTIONS tagged event) for the
// next boot entry: "initrd=<dos-path> <options>" in UTF-16LE including the
// terminating NUL.
func (p *Predictor) rehashStubCommandline(ev *pcroracle.Event, alg tpm2.HashAlgorithmId) (pcroracle.Digest, error) {
	entry := p.ctx.BootEntry

	// Without a next-kernel boot entry the firmware digest stands.
	if entry == nil {
		return ev.Digest(alg), nil
	}
	if entry.ImagePath == "" {
		return nil, fmt.Errorf("unable to identify the next kernel")
	}

	cmdline := fmt.Sprintf("initrd=%s %s", pathUnixToDOS(entry.InitrdPath), entry.Options)
	logmsg.Debug("measuring kernel command line: %s\n", cmdline)

	return hashBytes(alg, pcroracle.EncodeSystemdEFIStubCommandline(cmdline)), nil
}
