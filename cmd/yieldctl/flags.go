package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

type pubkeyFlag struct {
	value solana.PublicKey
	set   bool
}

func (f *pubkeyFlag) String() string {
	if !f.set {
		return ""
	}
	return f.value.String()
}

func (f *pubkeyFlag) Set(raw string) error {
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return err
	}
	f.value, f.set = pk, true
	return nil
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("yieldctl "+name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

// parse treats -h as success and any other flag error as a usage error.
func parse(fs *flag.FlagSet, args []string) (bool, error) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		if fs.NArg() > 0 {
			return false, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
		}
		return true, nil
	case errors.Is(err, flag.ErrHelp):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", errUsage, err)
	}
}

func requireStrategy(id uint64) error {
	if id == 0 {
		return fmt.Errorf("%w: --strategy is required", errUsage)
	}
	return nil
}
