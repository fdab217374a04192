package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"secure-qr-service/internal/infra"
	"secure-qr-service/internal/secureqr"
)

// keygenCmd は署名鍵ペアとルート鍵を生成する。APIサーバーは不要。
func keygenCmd() *cobra.Command {
	var (
		dir  string
		bits int
		wrap bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key pair and a root encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("creating key directory: %w", err)
			}
			privPath, pubPath, err := secureqr.GenerateKeyPair(dir, bits)
			if err != nil {
				return err
			}
			rootKey, err := secureqr.GenerateRootKey()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "RSA_PRIVATE_KEY_PATH=%s\n", privPath)
			fmt.Fprintf(out, "RSA_PUBLIC_KEY_PATH=%s\n", pubPath)

			if !wrap {
				fmt.Fprintf(out, "ENCRYPTION_KEY=%s\n", hex.EncodeToString(rootKey))
				return nil
			}

			keyName := os.Getenv("KMS_KEY_NAME")
			if keyName == "" {
				return fmt.Errorf("KMS_KEY_NAME environment variable is required with --wrap")
			}
			ctx := context.Background()
			kms, err := infra.NewKMSClient(ctx, keyName)
			if err != nil {
				return err
			}
			defer kms.Close()

			wrapped, err := kms.Encrypt(ctx, rootKey)
			if err != nil {
				return fmt.Errorf("wrapping root key: %w", err)
			}
			fmt.Fprintf(out, "ENCRYPTION_KEY_CIPHERTEXT=%s\n", base64.StdEncoding.EncodeToString(wrapped))
			fmt.Fprintf(out, "KMS_KEY_NAME=%s\n", keyName)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./keys", "Directory to write PEM files into")
	cmd.Flags().IntVar(&bits, "bits", secureqr.DefaultKeyBits, "RSA key size in bits")
	cmd.Flags().BoolVar(&wrap, "wrap", false, "Wrap the root key with Cloud KMS (KMS_KEY_NAME)")
	return cmd
}
