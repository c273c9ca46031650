// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/canonical/go-tpm2"
	"github.com/jessevdk/go-flags"

	"github.com/reemo-io/pcr-oracle"
	internal_flags "github.com/reemo-io/pcr-oracle/internal/flags"
	"github.com/reemo-io/pcr-oracle/internal/logmsg"
	"github.com/reemo-io/pcr-oracle/keyfile"
	"github.com/reemo-io/pcr-oracle/policy"
	"github.com/reemo-io/pcr-oracle/predict"
)

type globalOptions struct {
	Debug     []bool `short:"d" long:"debug" description:"Increase debugging verbosity"`
	EventLog  string `long:"event-log" description:"Override the path to the TPM event log"`
	TPMDevice string `long:"tpm-device" description:"Override the path to the TPM character device"`
	ESPPath   string `long:"esp-path" description:"Override the EFI system partition mount point"`
	SRKBits   uint   `long:"rsa-bits" description:"RSA key size used when deriving the SRK" default:"2048"`
}

var opts globalOptions

func (g *globalOptions) apply() error {
	logmsg.SetDebugLevel(len(g.Debug))
	if g.ESPPath != "" {
		predict.ESPMountPoint = g.ESPPath
	}
	return policy.SetSRKRSABits(g.SRKBits)
}

// bankOptions selects the prediction source shared by most commands.
type bankOptions struct {
	Algo       internal_flags.HashAlgorithmId `long:"algo" description:"Digest algorithm" default:"sha256"`
	PCRs       internal_flags.PCRSelection    `long:"pcrs" description:"PCR selection, eg 0,2,4-7" required:"true"`
	From       string                         `long:"from" description:"Bank source: eventlog, current, zero or snapshot=<file>" default:"eventlog"`
	NextKernel string                         `long:"next-kernel" description:"Predict for this kernel: auto or a boot entry file" optional:"true" optional-value:"auto"`
	BootEntry  string                         `long:"boot-entry" description:"Substitute a different boot entry file in the prediction"`
}

func (b *bankOptions) alg() tpm2.HashAlgorithmId {
	return tpm2.HashAlgorithmId(b.Algo)
}

func (b *bankOptions) rehashContext() (*predict.Context, error) {
	ctx := &predict.Context{BootEntryPath: b.BootEntry}

	switch {
	case b.NextKernel == "":
	case b.NextKernel == "auto":
		entry, err := predict.NextBootEntry()
		if err != nil {
			return nil, err
		}
		logmsg.Debug("next boot entry expected from: %s %s\n", entry.Title, entry.Version)
		ctx.BootEntry = entry
	default:
		entry, err := predict.LoadBootEntry(b.NextKernel)
		if err != nil {
			return nil, err
		}
		ctx.BootEntry = entry
	}

	return ctx, nil
}

// buildBank produces the bank the operation works against, from the source
// selected with --from.
func (b *bankOptions) buildBank(tpm *tpm2.TPMContext) (*predict.Bank, error) {
	bank := predict.NewBank(b.alg(), b.PCRs.Mask())

	switch {
	case b.From == "zero":
		bank.InitFromZero()
		return bank, nil

	case b.From == "current":
		if err := bank.ReadFromTPM(tpm); err != nil {
			return nil, err
		}
		return bank, nil

	case strings.HasPrefix(b.From, "snapshot="):
		if err := bank.InitFromSnapshotFile(strings.TrimPrefix(b.From, "snapshot=")); err != nil {
			return nil, err
		}
		return bank, nil

	case b.From == "eventlog":
		ctx, err := b.rehashContext()
		if err != nil {
			return nil, err
		}
		log, err := pcroracle.OpenLog(opts.EventLog)
		if err != nil {
			return nil, err
		}
		defer log.Close()

		if err := bank.Replay(log, predict.NewPredictor(ctx)); err != nil {
			return nil, err
		}
		return bank, nil

	default:
		return nil, fmt.Errorf("unrecognized bank source \"%s\"", b.From)
	}
}

type predictCommand struct {
	bankOptions
	Verbose bool `short:"v" long:"verbose" description:"Also compare the prediction against the live PCRs"`
}

func (c *predictCommand) Execute(args []string) error {
	var tpm *tpm2.TPMContext
	if c.From == "current" || c.Verbose {
		var err error
		tpm, err = policy.OpenTPM(opts.TPMDevice)
		if err != nil {
			return err
		}
		defer tpm.Close()
	}

	bank, err := c.buildBank(tpm)
	if err != nil {
		return err
	}

	for i := 0; i < predict.BankRegisterMax; i++ {
		if !bank.IsValid(i) {
			continue
		}
		fmt.Printf("%2d %x\n", i, bank.Register(i))
	}

	if !c.Verbose {
		return nil
	}

	live := predict.NewBank(c.alg(), c.PCRs.Mask())
	if err := live.ReadFromTPM(tpm); err != nil {
		return err
	}
	for _, i := range c.PCRs.Indices() {
		switch {
		case !bank.IsValid(i) || !live.IsValid(i):
		case string(bank.Register(i)) != string(live.Register(i)):
			fmt.Printf("PCR %d differs from the live value %x\n", i, live.Register(i))
		}
	}
	return nil
}

type sealSecretCommand struct {
	bankOptions
	Input          string `long:"input" description:"File holding the secret to seal" required:"true"`
	Output         string `long:"output" description:"Where to write the sealed secret" required:"true"`
	TargetPlatform string `long:"target-platform" description:"Output format" default:"tpm2.0" choice:"oldgrub" choice:"tpm2.0" choice:"systemd"`
}

func (c *sealSecretCommand) Execute(args []string) error {
	platform, err := keyfile.GetTargetPlatform(c.TargetPlatform)
	if err != nil {
		return err
	}

	tpm, err := policy.OpenTPM(opts.TPMDevice)
	if err != nil {
		return err
	}
	defer tpm.Close()

	bank, err := c.buildBank(tpm)
	if err != nil {
		return err
	}

	pcrPolicy, err := policy.PCRPolicy(tpm, bank)
	if err != nil {
		return err
	}

	secret, err := policy.ReadSecretFile(c.Input)
	if err != nil {
		return err
	}
	defer secret.Destroy()

	obj, err := policy.Seal(tpm, pcrPolicy, secret)
	if err != nil {
		return err
	}

	if err := platform.WriteSealedSecret(c.Output, bank.Selection(), obj); err != nil {
		return err
	}
	logmsg.Info("Sealed secret written to %s\n", c.Output)
	return nil
}

type unsealSecretCommand struct {
	Algo           internal_flags.HashAlgorithmId `long:"algo" description:"Digest algorithm" default:"sha256"`
	PCRs           internal_flags.PCRSelection    `long:"pcrs" description:"PCR selection, eg 0,2,4-7"`
	Input          string                         `long:"input" description:"Sealed secret file" required:"true"`
	Output         string                         `long:"output" description:"Where to write the unsealed secret" required:"true"`
	SignedPolicy   string                         `long:"signed-policy" description:"Signed policy file (oldgrub format)"`
	PublicKey      string                         `long:"public-key" description:"Verification key as marshalled TPM2B_PUBLIC"`
	TargetPlatform string                         `long:"target-platform" description:"Input format" default:"tpm2.0" choice:"oldgrub" choice:"tpm2.0" choice:"systemd"`
}

func (c *unsealSecretCommand) Execute(args []string) error {
	platform, err := keyfile.GetTargetPlatform(c.TargetPlatform)
	if err != nil {
		return err
	}
	if platform.UnsealFlags()&keyfile.NeedPCRSelection != 0 && c.PCRs.Mask() == 0 {
		return fmt.Errorf("target platform %s requires --pcrs", platform.Name())
	}

	tpm, err := policy.OpenTPM(opts.TPMDevice)
	if err != nil {
		return err
	}
	defer tpm.Close()

	secret, err := platform.UnsealSecret(&keyfile.UnsealRequest{
		TPM:              tpm,
		Alg:              tpm2.HashAlgorithmId(c.Algo),
		PCRMask:          c.PCRs.Mask(),
		InputPath:        c.Input,
		OutputPath:       c.Output,
		SignedPolicyPath: c.SignedPolicy,
		PublicKeyPath:    c.PublicKey})
	if err != nil {
		return err
	}
	defer secret.Destroy()

	return secret.WriteFile(c.Output)
}

type signPolicyCommand struct {
	bankOptions
	PrivateKey     string `long:"private-key" description:"RSA signing key (PEM)" required:"true"`
	Input          string `long:"input" description:"Envelope to update (defaults to the output file)"`
	Output         string `long:"output" description:"Where to write the signed policy" required:"true"`
	PolicyName     string `long:"name" description:"Name for the signed policy" default:"default"`
	TargetPlatform string `long:"target-platform" description:"Output format" default:"tpm2.0" choice:"oldgrub" choice:"tpm2.0"`
}

func (c *signPolicyCommand) Execute(args []string) error {
	platform, err := keyfile.GetTargetPlatform(c.TargetPlatform)
	if err != nil {
		return err
	}

	key, err := policy.LoadRSAPrivateKey(c.PrivateKey)
	if err != nil {
		return err
	}

	tpm, err := policy.OpenTPM(opts.TPMDevice)
	if err != nil {
		return err
	}
	defer tpm.Close()

	bank, err := c.buildBank(tpm)
	if err != nil {
		return err
	}

	pcrPolicy, err := policy.PCRPolicy(tpm, bank)
	if err != nil {
		return err
	}

	signature, err := key.Sign(pcrPolicy)
	if err != nil {
		return err
	}

	if err := platform.WriteSignedPolicy(&keyfile.SignedPolicyRequest{
		InputPath:  c.Input,
		OutputPath: c.Output,
		PolicyName: c.PolicyName,
		Bank:       bank,
		PCRPolicy:  pcrPolicy,
		Key:        key,
		Signature:  signature}); err != nil {
		return err
	}
	logmsg.Info("Signed PCR policy written to %s\n", c.Output)
	return nil
}

type policySignSystemdCommand struct {
	bankOptions
	PrivateKey string `long:"private-key" description:"RSA signing key (PEM)" required:"true"`
	Output     string `long:"output" description:"systemd JSON policy file to update" required:"true"`
}

func (c *policySignSystemdCommand) Execute(args []string) error {
	key, err := policy.LoadRSAPrivateKey(c.PrivateKey)
	if err != nil {
		return err
	}
	fingerprint, err := key.Fingerprint()
	if err != nil {
		return err
	}

	tpm, err := policy.OpenTPM(opts.TPMDevice)
	if err != nil {
		return err
	}
	defer tpm.Close()

	bank, err := c.buildBank(tpm)
	if err != nil {
		return err
	}

	pcrPolicy, err := policy.PCRPolicy(tpm, bank)
	if err != nil {
		return err
	}

	signature, err := key.Sign(pcrPolicy)
	if err != nil {
		return err
	}

	doc, err := keyfile.ReadSystemdPolicyFile(c.Output)
	if err != nil {
		return err
	}
	doc.AddEntry(pcroracle.AlgorithmName(bank.Algorithm()), bank.ValidMask(),
		fingerprint, pcrPolicy, signature.Signature.RSASSA.Sig)

	if err := doc.Write(c.Output); err != nil {
		return err
	}
	logmsg.Info("Signed PCR policy written to %s\n", c.Output)
	return nil
}

type authPolicyCreateCommand struct {
	Algo       internal_flags.HashAlgorithmId `long:"algo" description:"Digest algorithm" default:"sha256"`
	PCRs       internal_flags.PCRSelection    `long:"pcrs" description:"PCR selection, eg 0,2,4-7" required:"true"`
	PrivateKey string                         `long:"private-key" description:"RSA signing key (PEM)" required:"true"`
	Output     string                         `long:"output" description:"Where to write the authorized-policy digest" required:"true"`
}

func (c *authPolicyCreateCommand) Execute(args []string) error {
	key, err := policy.LoadRSAPublicKey(c.PrivateKey)
	if err != nil {
		return err
	}

	tpm, err := policy.OpenTPM(opts.TPMDevice)
	if err != nil {
		return err
	}
	defer tpm.Close()

	digest, err := policy.CreateAuthorizedPolicy(tpm, tpm2.HashAlgorithmId(c.Algo), c.PCRs.Mask(), key.NativePublic())
	if err != nil {
		return err
	}

	if err := keyfile.WriteDigest(c.Output, digest); err != nil {
		return err
	}
	logmsg.Info("Authorized policy written to %s\n", c.Output)
	return nil
}

type authPolicySealCommand struct {
	AuthorizedPolicy string `long:"authorized-policy" description:"Authorized-policy digest file" required:"true"`
	Input            string `long:"input" description:"File holding the secret to seal" required:"true"`
	Output           string `long:"output" description:"Where to write the sealed secret" required:"true"`
	TargetPlatform   string `long:"target-platform" description:"Output format" default:"tpm2.0" choice:"oldgrub" choice:"tpm2.0" choice:"systemd"`
}

func (c *authPolicySealCommand) Execute(args []string) error {
	platform, err := keyfile.GetTargetPlatform(c.TargetPlatform)
	if err != nil {
		return err
	}

	authPolicy, err := keyfile.ReadDigest(c.AuthorizedPolicy)
	if err != nil {
		return err
	}

	tpm, err := policy.OpenTPM(opts.TPMDevice)
	if err != nil {
		return err
	}
	defer tpm.Close()

	secret, err := policy.ReadSecretFile(c.Input)
	if err != nil {
		return err
	}
	defer secret.Destroy()

	obj, err := policy.Seal(tpm, authPolicy, secret)
	if err != nil {
		return err
	}

	// The concrete PCR selection arrives later, in a signed policy.
	if err := platform.WriteSealedSecret(c.Output, nil, obj); err != nil {
		return err
	}
	logmsg.Info("Sealed secret written to %s\n", c.Output)
	return nil
}

type authPolicyUnsealCommand struct {
	unsealSecretCommand
}

type authPolicyCommand struct {
	Create *authPolicyCreateCommand `command:"create" description:"Create an authorized-policy digest for sealing"`
	Seal   *authPolicySealCommand   `command:"seal-secret" description:"Seal a secret against an authorized policy"`
	Unseal *authPolicyUnsealCommand `command:"unseal-secret" description:"Unseal a secret using a signed policy"`
}

type storePublicKeyCommand struct {
	PrivateKey string `long:"private-key" description:"RSA key (PEM)" required:"true"`
	Output     string `long:"output" description:"Where to write the marshalled TPM2B_PUBLIC" required:"true"`
}

func (c *storePublicKeyCommand) Execute(args []string) error {
	key, err := policy.LoadRSAPublicKey(c.PrivateKey)
	if err != nil {
		return err
	}
	return keyfile.WritePublicKey(c.Output, key.NativePublic())
}

func run() error {
	parser := flags.NewParser(&opts, flags.Default)

	parser.AddCommand("predict", "Predict the post-boot PCR values", "", &predictCommand{})
	parser.AddCommand("seal-secret", "Seal a secret against predicted PCR values", "", &sealSecretCommand{})
	parser.AddCommand("unseal-secret", "Unseal a previously sealed secret", "", &unsealSecretCommand{})
	parser.AddCommand("sign-policy", "Sign a predicted PCR policy", "", &signPolicyCommand{})
	parser.AddCommand("policy-sign-systemd", "Update the systemd JSON signed-policy file", "", &policySignSystemdCommand{})
	parser.AddCommand("authorized-policy", "Authorized policy operations", "", &authPolicyCommand{})
	parser.AddCommand("store-public-key", "Store an RSA public key in TPM native form", "", &storePublicKeyCommand{})

	parser.CommandHandler = func(command flags.Commander, args []string) error {
		if err := opts.apply(); err != nil {
			return err
		}
		return command.Execute(args)
	}

	_, err := parser.Parse()
	return err
}

func main() {
	if err := run(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		logmsg.Error("%v\n", err)
		os.Exit(1)
	}
}
