package commands

import (
	"fmt"

	"github.com/opd-ai/whisperpipe/crypto"
	"github.com/opd-ai/whisperpipe/sealed"
	"github.com/spf13/cobra"
)

func profileCmd() *cobra.Command {
	var keyB64 string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Profile key operations",
	}
	cmd.PersistentFlags().StringVar(&keyB64, "key", "", "profile key (base64)")
	_ = cmd.MarkPersistentFlagRequired("key")

	profileKey := func() ([]byte, error) {
		return decodeKey("key", keyB64, crypto.ProfileKeyLength)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt-name NAME",
		Short: "Encrypt a profile name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := profileKey()
			if err != nil {
				return err
			}
			ct, err := crypto.EncryptProfileName(key, []byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encode(ct))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "decrypt-name CIPHERTEXT",
		Short: "Decrypt a base64 profile name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := profileKey()
			if err != nil {
				return err
			}
			ct, err := decodeKey("ciphertext", args[0], 0)
			if err != nil {
				return err
			}
			name, err := crypto.DecryptProfileName(key, ct)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(name))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "access-key",
		Short: "Derive the unidentified access key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := profileKey()
			if err != nil {
				return err
			}
			ak, err := sealed.DeriveAccessKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encode(ak))
			return nil
		},
	})
	return cmd
}
