// Copyright 2022 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package pcroracle

import (
	"errors"
	"fmt"
	"strings"
)

// GrubFile identifies a file as named by GRUB. For files residing on the EFI
// system partition GRUB usually formats these as (hdX,gptY)/EFI/BOOT/some.file;
// once it has determined the final root device the device part is omitted
// (eg, for kernel and initrd).
type GrubFile struct {
	Device string // device part without parentheses, empty for the root device
	Path   string
}

func parseGrubFile(value string) (GrubFile, error) {
	switch {
	case strings.HasPrefix(value, "/"):
		return GrubFile{Path: value}, nil
	case strings.HasPrefix(value, "("):
		end := strings.IndexByte(value, ')')
		if end < 0 {
			return GrubFile{}, errors.New("unterminated device specification")
		}
		return GrubFile{Device: value[1:end], Path: value[end+1:]}, nil
	default:
		return GrubFile{}, fmt.Errorf("unrecognized file specification \"%s\"", value)
	}
}

// Join formats the file the way GRUB measured it.
func (f GrubFile) Join() string {
	if f.Device == "" {
		return f.Path
	}
	return fmt.Sprintf("(%s)%s", f.Device, f.Path)
}

// OnSystemPartition reports whether the file resides on the system partition
// rather than the EFI system partition.
func (f GrubFile) OnSystemPartition() bool {
	return f.Device == "" || f.Device == "crypto0"
}

// GrubFileEventData is the event data associated with the measurement of a
// file load by GRUB to PCR 9.
type GrubFileEventData struct {
	rawEventData
	File GrubFile
}

func (e *GrubFileEventData) String() string {
	return fmt.Sprintf("grub2 file load from %s", e.File.Join())
}

func decodeEventDataGRUBFile(data []byte) (*GrubFileEventData, error) {
	if data[len(data)-1] != 0x00 {
		return nil, errors.New("string isn't NULL terminated")
	}

	file, err := parseGrubFile(string(data[:len(data)-1]))
	if err != nil {
		return nil, err
	}

	return &GrubFileEventData{rawEventData: data, File: file}, nil
}

// GrubCommandType indicates the type of data measured by GRUB in to PCR 8.
type GrubCommandType int

const (
	// GrubCmd is a generic GRUB command.
	GrubCmd GrubCommandType = iota

	// GrubCmdLinux is a "linux" command loading a kernel image.
	GrubCmdLinux

	// GrubCmdInitrd is an "initrd" command loading an initrd.
	GrubCmdInitrd

	// GrubKernelCmdline is the kernel command line passed to a kernel.
	GrubKernelCmdline
)

func (t GrubCommandType) String() string {
	switch t {
	case GrubCmd:
		return "grub2 command"
	case GrubCmdLinux:
		return "grub2 linux command"
	case GrubCmdInitrd:
		return "grub2 initrd command"
	case GrubKernelCmdline:
		return "grub2 kernel cmdline"
	}
	panic("invalid value")
}

// GrubCommandEventData is the event data associated with a command or kernel
// command line measured by GRUB to PCR 8. The measured string has the form
// "grub_cmd: <command>" or "kernel_cmdline: <cmdline>".
type GrubCommandEventData struct {
	rawEventData
	Type GrubCommandType
	Str  string   // the measured string without the keyword prefix
	File GrubFile // the file argument for linux/initrd/kernel_cmdline events
	Argv []string
}

func (e *GrubCommandEventData) String() string {
	return fmt.Sprintf("%s \"%s\"", e.Type, e.Str)
}

func decodeEventDataGRUBCommand(data []byte) (*GrubCommandEventData, error) {
	if data[len(data)-1] != 0x00 {
		return nil, errors.New("string isn't NULL terminated")
	}
	str := string(data[:len(data)-1])

	keyword, arg, ok := strings.Cut(str, ": ")
	if !ok {
		return nil, fmt.Errorf("unrecognized IPL event \"%s\"", str)
	}

	d := &GrubCommandEventData{rawEventData: data, Str: arg, Argv: strings.Fields(arg)}

	switch {
	case keyword == "grub_cmd" && strings.HasPrefix(arg, "linux"):
		d.Type = GrubCmdLinux
		if _, file, ok := strings.Cut(arg, " "); ok {
			f, err := parseGrubFile(firstField(file))
			if err != nil {
				return nil, err
			}
			d.File = f
		}
	case keyword == "grub_cmd" && strings.HasPrefix(arg, "initrd"):
		d.Type = GrubCmdInitrd
		if _, file, ok := strings.Cut(arg, " "); ok {
			f, err := parseGrubFile(firstField(file))
			if err != nil {
				return nil, err
			}
			d.File = f
		}
	case keyword == "grub_cmd":
		d.Type = GrubCmd
	case keyword == "kernel_cmdline":
		d.Type = GrubKernelCmdline
		f, err := parseGrubFile(firstField(arg))
		if err != nil {
			return nil, err
		}
		d.File = f
	default:
		return nil, fmt.Errorf("unrecognized IPL event keyword \"%s\"", keyword)
	}

	return d, nil
}

func firstField(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}
