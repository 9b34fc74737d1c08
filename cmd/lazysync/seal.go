package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lazysync/lazysync/internal/secret"
)

func newSealCmd() *cobra.Command {
	var genKey bool
	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt an SSH password for the password field of hosts.yaml",
		Args:  cobra.NoArgs,
		// Does not need a configured host.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if genKey {
				k, err := secret.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s=%s\n", secret.EnvKey, k)
				return nil
			}
			pw, err := readSecret("Password: ")
			if err != nil {
				return err
			}
			sealed, err := secret.Seal(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, sealed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&genKey, "gen-key", false, "print a new "+secret.EnvKey+" instead")
	return cmd
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
