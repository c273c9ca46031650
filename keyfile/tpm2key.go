// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package keyfile

import (
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"golang.org/x/xerrors"

	"github.com/reemo-io/pcr-oracle/policy"
)

// TPM 2.0 Key File object identifiers, per the "TPM 2.0 Key Files" draft
// (https://www.hansenpartnership.com/draft-bottomley-tpm2-keys.html).
var (
	OIDLoadableKey = asn1.ObjectIdentifier{2, 23, 133, 10, 1, 3}
	OIDSealedData  = asn1.ObjectIdentifier{2, 23, 133, 10, 1, 5}
)

// PersistentOwnerHandle is the parent handle recorded in key files: the
// persistent SRK slot in the owner hierarchy.
const PersistentOwnerHandle = tpm2.Handle(0x40000001)

const tpm2KeyPEMType = "TSS2 PRIVATE KEY"

type tpm2KeyPolicyASN1 struct {
	CommandCode   int    `asn1:"explicit,tag:0"`
	CommandPolicy []byte `asn1:"explicit,tag:1"`
}

type tpm2KeyAuthPolicyASN1 struct {
	Name   string              `asn1:"utf8,optional,explicit,tag:0"`
	Policy []tpm2KeyPolicyASN1 `asn1:"explicit,tag:1"`
}

type tssPrivKeyASN1 struct {
	Type       asn1.ObjectIdentifier
	EmptyAuth  bool                    `asn1:"optional,explicit,tag:0"`
	Policy     []tpm2KeyPolicyASN1     `asn1:"optional,explicit,tag:1"`
	Secret     []byte                  `asn1:"optional,explicit,tag:2"`
	AuthPolicy []tpm2KeyAuthPolicyASN1 `asn1:"optional,explicit,tag:3"`
	Parent     int64
	PubKey     []byte
	PrivKey    []byte
}

// NamedPolicy is a named entry of a key file's authPolicy sequence. At
// unseal time entries are tried in order until one succeeds.
type NamedPolicy struct {
	Name   string
	Policy policy.Program
}

// TPM2Key is the decoded form of a TSSPRIVKEY envelope.
type TPM2Key struct {
	EmptyAuth    bool
	Parent       tpm2.Handle
	Public       *tpm2.Public
	Private      tpm2.Private
	Policy       policy.Program
	AuthPolicies []NamedPolicy
}

// NewTPM2Key wraps a freshly sealed object in a key file envelope with the
// persistent owner parent and no policy yet.
func NewTPM2Key(obj *policy.SealedObject) *TPM2Key {
	return &TPM2Key{
		EmptyAuth: true,
		Parent:    PersistentOwnerHandle,
		Public:    obj.Public,
		Private:   obj.Private}
}

// SealedObject returns the public/private blob pair stored in the
// envelope.
func (k *TPM2Key) SealedObject() *policy.SealedObject {
	return &policy.SealedObject{Private: k.Private, Public: k.Public}
}

// AddPolicyPCR appends a PolicyPCR step for the supplied selection to the
// envelope's raw policy sequence. Used for pure PCR-sealed secrets.
func (k *TPM2Key) AddPolicyPCR(pcrs tpm2.PCRSelectionList) error {
	instr, err := policy.NewPolicyPCRInstruction(pcrs)
	if err != nil {
		return err
	}
	k.Policy = append(k.Policy, instr)
	return nil
}

// PrependAuthPolicy prepends a named authPolicy entry whose single step is
// a PolicyAuthorize carrying the verification key, policy reference and
// signed policy. Prepending makes the newest signed policy the first one
// tried at unseal time.
func (k *TPM2Key) PrependAuthPolicy(name string, pubKey *tpm2.Public, policyRef tpm2.Nonce, signature *tpm2.Signature) error {
	if name == "" {
		name = "default"
	}
	instr, err := policy.NewPolicyAuthorizeInstruction(pubKey, policyRef, signature)
	if err != nil {
		return err
	}

	// Replace an existing entry of the same name rather than accumulate.
	entries := k.AuthPolicies[:0]
	for _, e := range k.AuthPolicies {
		if e.Name != name {
			entries = append(entries, e)
		}
	}
	k.AuthPolicies = append([]NamedPolicy{{Name: name, Policy: policy.Program{instr}}}, entries...)
	return nil
}

// Programs returns the policy programs to try at unseal time, in order.
func (k *TPM2Key) Programs() []policy.Program {
	if len(k.AuthPolicies) > 0 {
		programs := make([]policy.Program, 0, len(k.AuthPolicies))
		for _, e := range k.AuthPolicies {
			programs = append(programs, e.Policy)
		}
		return programs
	}
	if len(k.Policy) > 0 {
		return []policy.Program{k.Policy}
	}
	return nil
}

func programToASN1(p policy.Program) []tpm2KeyPolicyASN1 {
	var out []tpm2KeyPolicyASN1
	for _, instr := range p {
		out = append(out, tpm2KeyPolicyASN1{
			CommandCode:   int(instr.CommandCode),
			CommandPolicy: instr.CommandPolicy})
	}
	return out
}

func programFromASN1(seq []tpm2KeyPolicyASN1) policy.Program {
	var out policy.Program
	for _, step := range seq {
		out = append(out, policy.Instruction{
			CommandCode:   tpm2.CommandCode(step.CommandCode),
			CommandPolicy: step.CommandPolicy})
	}
	return out
}

// Marshal encodes the envelope as DER.
func (k *TPM2Key) Marshal() ([]byte, error) {
	pub, err := policy.MarshalSizedPublic(k.Public)
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal public area: %w", err)
	}
	priv, err := mu.MarshalToBytes(k.Private)
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal private area: %w", err)
	}

	raw := tssPrivKeyASN1{
		Type:      OIDLoadableKey,
		EmptyAuth: k.EmptyAuth,
		Policy:    programToASN1(k.Policy),
		Parent:    int64(k.Parent),
		PubKey:    pub,
		PrivKey:   priv}
	for _, e := range k.AuthPolicies {
		raw.AuthPolicy = append(raw.AuthPolicy, tpm2KeyAuthPolicyASN1{
			Name:   e.Name,
			Policy: programToASN1(e.Policy)})
	}

	return asn1.Marshal(raw)
}

// UnmarshalTPM2Key decodes a DER encoded TSSPRIVKEY envelope.
func UnmarshalTPM2Key(der []byte) (*TPM2Key, error) {
	var raw tssPrivKeyASN1
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode TSSPRIVKEY: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after TSSPRIVKEY", len(rest))
	}

	if !raw.Type.Equal(OIDLoadableKey) && !raw.Type.Equal(OIDSealedData) {
		return nil, fmt.Errorf("unexpected key type %v", raw.Type)
	}

	k := &TPM2Key{
		EmptyAuth: raw.EmptyAuth,
		Parent:    tpm2.Handle(raw.Parent),
		Policy:    programFromASN1(raw.Policy)}

	var pub tpm2.Public
	if _, err := policy.UnmarshalSizedPublic(raw.PubKey, &pub); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal public area: %w", err)
	}
	k.Public = &pub

	if _, err := mu.UnmarshalFromBytes(raw.PrivKey, &k.Private); err != nil {
		return nil, xerrors.Errorf("cannot unmarshal private area: %w", err)
	}

	for _, e := range raw.AuthPolicy {
		k.AuthPolicies = append(k.AuthPolicies, NamedPolicy{
			Name:   e.Name,
			Policy: programFromASN1(e.Policy)})
	}

	return k, nil
}

// WriteTPM2Key writes the envelope to path, PEM armored.
func WriteTPM2Key(path string, k *TPM2Key) error {
	der, err := k.Marshal()
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: tpm2KeyPEMType, Bytes: der})
	return writeFileAtomic(path, data, 0600)
}

// ReadTPM2Key reads a PEM armored (or bare DER) TSSPRIVKEY envelope.
func ReadTPM2Key(path string) (*TPM2Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != tpm2KeyPEMType {
			return nil, fmt.Errorf("%s: unexpected PEM block type \"%s\"", path, block.Type)
		}
		der = block.Bytes
	}

	k, err := UnmarshalTPM2Key(der)
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	return k, nil
}
