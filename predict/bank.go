// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package predict replays TCG event logs into simulated PCR banks,
// substituting the digests of selected events with ones recomputed from the
// artifacts of the next boot.
package predict

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle"
	"github.com/reemo-io/pcr-oracle/internal/logmsg"
)

// BankRegisterMax is the number of PCRs in a bank.
const BankRegisterMax = 24

// Bank is a simulated PCR bank: one digest algorithm, a mask of requested
// registers and a mask of registers holding a valid value. The valid mask
// only ever grows, and is always a subset of the requested mask.
type Bank struct {
	alg       tpm2.HashAlgorithmId
	pcrMask   uint32
	validMask uint32
	pcrs      [BankRegisterMax]pcroracle.Digest
}

// NewBank returns a bank for the supplied algorithm with all requested
// registers zeroed and no register valid.
func NewBank(alg tpm2.HashAlgorithmId, pcrMask uint32) *Bank {
	b := &Bank{alg: alg, pcrMask: pcrMask & 0xffffff}
	for i := 0; i < BankRegisterMax; i++ {
		if b.Wants(i) {
			b.pcrs[i] = make(pcroracle.Digest, alg.Size())
		}
	}
	return b
}

// Algorithm returns the bank's digest algorithm.
func (b *Bank) Algorithm() tpm2.HashAlgorithmId {
	return b.alg
}

// PCRMask returns the mask of requested registers.
func (b *Bank) PCRMask() uint32 {
	return b.pcrMask
}

// ValidMask returns the mask of registers holding a valid value.
func (b *Bank) ValidMask() uint32 {
	return b.validMask
}

// Wants reports whether the register is part of the requested selection.
func (b *Bank) Wants(index int) bool {
	return index >= 0 && index < BankRegisterMax && b.pcrMask&(1<<uint(index)) != 0
}

// IsValid reports whether the register holds a valid value.
func (b *Bank) IsValid(index int) bool {
	return index >= 0 && index < BankRegisterMax && b.validMask&(1<<uint(index)) != 0
}

// Register returns the current value of the supplied register.
func (b *Bank) Register(index int) pcroracle.Digest {
	return b.pcrs[index]
}

func (b *Bank) markValid(index int) {
	b.validMask |= 1 << uint(index)
}

func (b *Bank) set(index int, value pcroracle.Digest) {
	b.pcrs[index] = append(pcroracle.Digest(nil), value...)
	b.markValid(index)
}

// SetLocality applies the TCG startup locality rule to the initial value of
// PCR 0: the register starts as all zeroes with the final byte holding the
// locality at which TPM2_Startup was executed. It has no effect once the
// register has been extended.
func (b *Bank) SetLocality(locality uint8) {
	if !b.Wants(0) || b.IsValid(0) {
		return
	}
	value := make(pcroracle.Digest, b.alg.Size())
	value[len(value)-1] = locality
	b.pcrs[0] = value
}

// Extend performs bank[index] = H(bank[index] || value) and marks the
// register valid.
func (b *Bank) Extend(index int, value pcroracle.Digest) error {
	if !b.Wants(index) {
		return fmt.Errorf("PCR %d is not part of this bank's selection", index)
	}
	h := b.alg.NewHash()
	h.Write(b.pcrs[index])
	h.Write(value)
	b.pcrs[index] = h.Sum(nil)
	b.markValid(index)
	return nil
}

// InitFromZero clears all requested registers and marks them valid. An
// authorized policy is created over such a bank - the concrete values are
// supplied later by a signed policy.
func (b *Bank) InitFromZero() {
	for i := 0; i < BankRegisterMax; i++ {
		if !b.Wants(i) {
			continue
		}
		b.set(i, make(pcroracle.Digest, b.alg.Size()))
	}
}

// InitFromSnapshot populates the bank from a textual dump of
// "<index> <hex-digest>" lines.
func (b *Bank) InitFromSnapshot(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("cannot parse snapshot line \"%s\"", line)
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil || index < 0 || index >= BankRegisterMax {
			return fmt.Errorf("invalid PCR index \"%s\" in snapshot", fields[0])
		}

		value, err := hex.DecodeString(fields[1])
		if err != nil {
			return xerrors.Errorf("invalid digest for PCR %d in snapshot: %w", index, err)
		}
		if len(value) != int(b.alg.Size()) {
			return fmt.Errorf("digest for PCR %d in snapshot has size %d, expected %d",
				index, len(value), b.alg.Size())
		}

		if !b.Wants(index) {
			continue
		}
		b.set(index, value)
	}
	return scanner.Err()
}

// InitFromSnapshotFile populates the bank from the snapshot at path.
func (b *Bank) InitFromSnapshotFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return b.InitFromSnapshot(f)
}

// ReadFromTPM populates the bank from the live PCR values. TPM2_PCR_Read
// bounds its output list, so registers are read in chunks of at most 8 per
// command. A digest of unexpected size returned by the TPM is fatal; values
// that can never be valid (all 0x00 or all 0xff) leave the register invalid.
func (b *Bank) ReadFromTPM(tpm *tpm2.TPMContext) error {
	for chunk := 0; chunk < BankRegisterMax; chunk += 8 {
		var selected []int
		for i := chunk; i < chunk+8 && i < BankRegisterMax; i++ {
			if b.Wants(i) {
				selected = append(selected, i)
			}
		}
		if len(selected) == 0 {
			continue
		}

		sel := tpm2.PCRSelectionList{{Hash: b.alg, Select: selected}}
		_, values, err := tpm.PCRRead(sel)
		if err != nil {
			return xerrors.Errorf("cannot read PCRs %v: %w", selected, err)
		}

		for _, index := range selected {
			value, ok := values[b.alg][index]
			if !ok {
				continue
			}
			if len(value) != int(b.alg.Size()) {
				return fmt.Errorf("TPM2_PCR_Read returned a digest with size %d for PCR %d (expected %d)",
					len(value), index, b.alg.Size())
			}
			if pcroracle.IsDigestInvalid(b.alg, pcroracle.Digest(value)) {
				logmsg.Debug("ignoring PCR %d; %x\n", index, value)
				continue
			}
			b.set(index, pcroracle.Digest(value))
		}
	}
	return nil
}

// Values returns the valid registers as a tpm2.PCRValues map.
func (b *Bank) Values() tpm2.PCRValues {
	values := tpm2.PCRValues{b.alg: make(map[int]tpm2.Digest)}
	for i := 0; i < BankRegisterMax; i++ {
		if !b.IsValid(i) {
			continue
		}
		values[b.alg][i] = tpm2.Digest(b.pcrs[i])
	}
	return values
}

// Selection returns a selection list naming every valid register of the
// bank, in ascending order.
func (b *Bank) Selection() tpm2.PCRSelectionList {
	var selected []int
	for i := 0; i < BankRegisterMax; i++ {
		if b.IsValid(i) {
			selected = append(selected, i)
		}
	}
	return tpm2.PCRSelectionList{{Hash: b.alg, Select: selected}}
}

// Replay extends the supplied events into the bank in log order, using the
// digest selected for each event by the predictor. Events measured to
// registers outside the requested mask are skipped. A startup locality
// declared by the log is applied to PCR 0 before the first extend.
func (b *Bank) Replay(log *pcroracle.LogReader, pred *Predictor) error {
	for {
		ev, err := log.ReadNext()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		}

		// The header records declaring the startup locality have been
		// consumed once the first event is out.
		if locality, ok := log.Locality(0); ok {
			b.SetLocality(locality)
		}

		if err := b.ReplayEvent(ev, pred); err != nil {
			return err
		}
	}
}

// ReplayEvent extends a single event into the bank.
func (b *Bank) ReplayEvent(ev *pcroracle.Event, pred *Predictor) error {
	if ev.EventType == pcroracle.EventTypeNoAction {
		return nil
	}
	if !b.Wants(int(ev.PCRIndex)) {
		return nil
	}

	digest, err := pred.DigestFor(ev, b.alg)
	if err != nil {
		return err
	}
	if digest == nil {
		// The log carries no digest for this bank's algorithm.
		return nil
	}

	return b.Extend(int(ev.PCRIndex), digest)
}
