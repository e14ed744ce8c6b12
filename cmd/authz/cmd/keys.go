package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.pilab.hu/authz/codec"
	"go.pilab.hu/authz/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		key, err := codec.GenerateKey()
		if err != nil {
			return err
		}

		if out == "" {
			pem, err := codec.EncodePrivateKey(key)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(pem)
			return err
		}

		if err := codec.WritePrivateKey(out, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (kid %s)\n", out, codec.Thumbprint(&key.PublicKey))
		return nil
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash [secret]",
	Short: "Hash a client secret or user password for the principal directory",
	Long:  `Prints a bcrypt hash of the secret given as argument, or of the first line of stdin.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cost, _ := cmd.Flags().GetInt("cost")

		var secret string
		if len(args) == 1 {
			secret = args[0]
		} else {
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return errors.New("no secret on stdin")
			}
			secret = strings.TrimRight(scanner.Text(), "\r")
		}
		if secret == "" {
			return errors.New("secret must not be empty")
		}

		hashed, err := auth.NewBcryptPasswordHasher(cost).Hash(secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hashed)
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("out", "", "write the PEM key to this path instead of stdout")
	hashCmd.Flags().Int("cost", 0, "bcrypt cost (default bcrypt.DefaultCost)")
}
