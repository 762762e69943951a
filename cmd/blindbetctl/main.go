// Command blindbetctl holds operator and client helpers for the blind-bet
// engine: generating the settlement key, sealing predictions and signing API
// requests.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/blindbet/internal/crypto"
)

const usage = `usage: blindbetctl <command> [flags]

commands:
  keygen    generate a settlement key pair
  pubkey    print the public key of a sealed key file
  encrypt   seal a prediction for a market and participant
  sign      produce signature headers for an API request
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:], os.Stdout)
	case "pubkey":
		err = runPubkey(os.Args[2:], os.Stdout)
	case "encrypt":
		err = runEncrypt(os.Args[2:], os.Stdout)
	case "sign":
		err = runSign(os.Args[2:], os.Stdin, os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "blindbetctl: %v\n", err)
		os.Exit(1)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runKeygen creates a settlement key. With -out the key is sealed under
// -password (or BLINDBET_CIPHER_KEY_PASSWORD) and only the public key is
// printed.
func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	path := fs.String("out", "", "write a password-protected key file here")
	password := fs.String("password", os.Getenv("BLINDBET_CIPHER_KEY_PASSWORD"), "key file password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	priv, err := crypto.GenerateSettlementKey()
	if err != nil {
		return err
	}
	result := map[string]string{"public_key": crypto.EncodePublicKey(&priv.PublicKey)}

	if *path == "" {
		result["private_key"] = "0x" + hex.EncodeToString(ethcrypto.FromECDSA(priv))
		return writeJSON(out, result)
	}

	if *password == "" {
		return errors.New("keygen: -password is required with -out")
	}
	data, err := crypto.SealKey(priv, *password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*path, data, 0o600); err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	result["key_file"] = *path
	return writeJSON(out, result)
}

func runPubkey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pubkey", flag.ContinueOnError)
	path := fs.String("key-file", "", "sealed key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("pubkey: -key-file is required")
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("pubkey: %w", err)
	}
	pub, err := crypto.PublicKeyFromFile(data)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]string{"public_key": crypto.EncodePublicKey(pub)})
}

// runEncrypt seals a prediction under the settlement public key. The output
// is the encrypted_prediction field of a bet request.
func runEncrypt(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
	pubHex := fs.String("pubkey", os.Getenv("BLINDBET_CIPHER_PUBLIC_KEY"), "settlement public key (0x hex)")
	market := fs.Uint64("market", 0, "market id")
	participant := fs.String("participant", "", "bettor address")
	prediction := fs.String("prediction", "", "above or below")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !common.IsHexAddress(*participant) {
		return fmt.Errorf("encrypt: invalid participant address %q", *participant)
	}
	var above bool
	switch strings.ToLower(*prediction) {
	case "above":
		above = true
	case "below":
	default:
		return fmt.Errorf("encrypt: prediction must be above or below, got %q", *prediction)
	}
	pub, err := crypto.DecodePublicKey(*pubHex)
	if err != nil {
		return err
	}

	ct, err := crypto.NewPredictionSealer(pub).Encrypt(*market, common.HexToAddress(*participant), above)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{
		"market_id":            *market,
		"participant":          common.HexToAddress(*participant).Hex(),
		"encrypted_prediction": hexutil.Encode(ct),
	})
}

// runSign prints the signature headers for one request. The body is read
// from -body, or from stdin when -body is "-".
func runSign(args []string, stdin io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	key := fs.String("key", os.Getenv("BLINDBET_WALLET_KEY"), "wallet private key (hex)")
	method := fs.String("method", "POST", "HTTP method")
	path := fs.String("path", "", "request path, e.g. /api/markets/1/bets")
	body := fs.String("body", "", `request body, or "-" for stdin`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("sign: -path is required")
	}

	raw := []byte(*body)
	if *body == "-" {
		var err error
		if raw, err = io.ReadAll(stdin); err != nil {
			return fmt.Errorf("sign: reading body: %w", err)
		}
	}

	signer, err := crypto.NewSigner(*key)
	if err != nil {
		return err
	}
	headers, err := signer.SignRequest(strings.ToUpper(*method), *path, raw)
	if err != nil {
		return err
	}
	return writeJSON(out, headers)
}
