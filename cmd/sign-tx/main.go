package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/hypersettle/pkg/app/core/transaction"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
)

type signOpts struct {
	key     string
	action  string
	payload string
	nonce   uint64
	chainID uint64
	submit  string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &signOpts{}
	cmd := &cobra.Command{
		Use:   "sign-tx",
		Short: "Sign a settlement call with EIP-712 and print the JSON transaction",
		Example: `  sign-tx --key $SIGNER_KEY --action register_asset --payload '{"ticker":"ACME","decimals":2}' --nonce 1
  sign-tx --action affirm --payload '{"instruction":3}' --nonce 4 --submit http://localhost:8080`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sign(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.key, "key", os.Getenv("SIGNER_KEY"), "hex private key (a new key is generated when empty)")
	f.StringVar(&opts.action, "action", "register_asset", "settlement action, e.g. create_instruction")
	f.StringVar(&opts.payload, "payload", `{"ticker":"ACME","decimals":2}`, "JSON payload of the action")
	f.Uint64Var(&opts.nonce, "nonce", 1, "sender nonce, must exceed the last accepted one")
	f.Uint64Var(&opts.chainID, "chain-id", 1337, "EIP-712 domain chain id")
	f.StringVar(&opts.submit, "submit", "", "node API base URL to POST the tx to")

	cmd.AddCommand(keygenCmd())
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Address: %s\nPrivate Key: %s (KEEP SECRET!)\n", signer.Address().Hex(), signer.PrivateKeyHex())
			return nil
		},
	}
}

func sign(out, info io.Writer, opts *signOpts) error {
	// Step 1: Generate or load key
	var signer *crypto.Signer
	var err error
	if opts.key == "" {
		fmt.Fprintln(info, "Generating new keypair...")
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(info, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	} else {
		signer, err = crypto.FromPrivateKeyHex(opts.key)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(info, "Address: %s\n\n", signer.Address().Hex())

	// Step 2: Sign the call
	domain := crypto.DomainForChain(opts.chainID)
	tx, err := transaction.Sign(crypto.NewEIP712Signer(domain), signer, transaction.Action(opts.action), opts.payload, opts.nonce)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return err
	}

	// Step 3: Verify before printing
	verifier := transaction.NewVerifier(domain)
	recovered, err := verifier.Verify(tx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	hash, err := verifier.Hash(tx)
	if err != nil {
		return err
	}
	fmt.Fprintf(info, "Signer verified: %s\nCall hash: %s\n\n", recovered.Hex(), hash.Hex())

	raw, err := tx.Serialize()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(raw))

	if opts.submit == "" {
		return nil
	}
	return post(info, opts.submit+"/api/v1/tx", raw)
}

func post(info io.Writer, url string, raw []byte) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(info, "Submitted (%s): %s", resp.Status, body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node rejected tx: %s", resp.Status)
	}
	return nil
}
