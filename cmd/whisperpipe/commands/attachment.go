package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/whisperpipe/crypto"
	"github.com/spf13/cobra"
)

func attachmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachment",
		Short: "Encrypt and decrypt attachment files",
	}
	cmd.AddCommand(attachmentEncryptCmd(), attachmentDecryptCmd())
	return cmd
}

func attachmentEncryptCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a file and print its key, digest and size",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(in)
			if err != nil {
				return err
			}
			defer src.Close()
			info, err := src.Stat()
			if err != nil {
				return err
			}

			dst, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			key, err := crypto.NewAttachmentKey()
			if err != nil {
				dst.Close()
				return err
			}
			defer crypto.ZeroBytes(key)

			n, digest, err := crypto.EncryptAttachment(dst, src, key)
			if cerr := dst.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			if want := crypto.AttachmentCiphertextLength(info.Size()); n != want {
				return fmt.Errorf("wrote %d bytes, expected %d", n, want)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "key: %s\n", encode(key))
			fmt.Fprintf(w, "digest: %s\n", encode(digest))
			fmt.Fprintf(w, "size: %d\n", info.Size())
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "plaintext file")
	cmd.Flags().StringVar(&out, "out", "", "ciphertext file")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func attachmentDecryptCmd() *cobra.Command {
	var in, out, keyB64, digestB64 string
	var size int64
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Verify and decrypt an attachment file",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := decodeKey("key", keyB64, crypto.AttachmentKeyLength)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(key)
			digest, err := decodeKey("digest", digestB64, crypto.DigestLength)
			if err != nil {
				return err
			}

			src, err := os.Open(in)
			if err != nil {
				return err
			}
			defer src.Close()
			info, err := src.Stat()
			if err != nil {
				return err
			}

			dec, err := crypto.NewAttachmentDecryptor(src, info.Size(), key, digest)
			if err != nil {
				return err
			}
			if size > 0 {
				dec.LimitPlaintext(size)
			}

			// Authenticated before the output file exists.
			dst, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			n, err := io.Copy(dst, dec.Reader())
			if cerr := dst.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(out)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "decrypted %d bytes\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "ciphertext file")
	cmd.Flags().StringVar(&out, "out", "", "plaintext file")
	cmd.Flags().StringVar(&keyB64, "key", "", "attachment key (base64)")
	cmd.Flags().StringVar(&digestB64, "digest", "", "attachment digest (base64)")
	cmd.Flags().Int64Var(&size, "size", 0, "plaintext size from the attachment pointer")
	for _, f := range []string{"in", "out", "key", "digest"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
