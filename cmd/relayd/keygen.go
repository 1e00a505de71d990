package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/spf13/cobra"

	"github.com/chainguild/cgp/crypto"
)

func newKeygenCommand() *cobra.Command {
	var (
		out          string
		withPassword bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a new relay identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(out, withPassword)
		},
	}
	cmd.Flags().StringVar(&out, "out", "relay.key", "path to write the new key file")
	cmd.Flags().BoolVar(&withPassword, "password", false, "passphrase-protect the key file")
	return cmd
}

func runKeygen(path string, withPassword bool) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing key file %s", path)
	}
	token, priv := crypto.RandomAsymetricKey()

	var passphrase []byte
	if withPassword {
		p, err := readConfirmedPassphrase()
		if err != nil {
			return err
		}
		passphrase = p
	}

	if err := crypto.WriteEncryptedKeyFile(path, priv, passphrase); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	fmt.Printf("generated relay identity %s, written to %s\n", token.String(), path)
	return nil
}

func readConfirmedPassphrase() ([]byte, error) {
	fmt.Fprint(os.Stderr, "passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	fmt.Fprint(os.Stderr, "confirm passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if string(first) != string(second) {
		return nil, fmt.Errorf("passphrases did not match")
	}
	if len(first) == 0 {
		return nil, nil
	}
	return first, nil
}
