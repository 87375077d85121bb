package poolmachine

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr/nip06"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Wallet holds the operator key that signs every event this engine publishes.
type Wallet struct {
	PrivateKey string
	SeedWords  string
	Account    Account
}

// LoadOrCreateWallet restores the wallet stored at path, or generates and stores a new one.
func LoadOrCreateWallet(path string) (Wallet, error) {
	if w, ok := getWalletFromDisk(path); ok {
		return w, nil
	}
	LogCLI("Generating a new wallet, write down the seed words if you want to keep it", 4)
	w, err := NewWallet()
	if err != nil {
		return Wallet{}, err
	}
	if err := persistWallet(path, w); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func NewWallet() (Wallet, error) {
	seedWords, err := nip06.GenerateSeedWords()
	if err != nil {
		return Wallet{}, err
	}
	seed := nip06.SeedFromWords(seedWords)
	sk, err := nip06.PrivateKeyFromSeed(seed)
	if err != nil {
		return Wallet{}, err
	}
	account, err := PubKey(sk)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{
		PrivateKey: sk,
		SeedWords:  seedWords,
		Account:    account,
	}, nil
}

// PubKey returns the x-only hex public key for a hex private key.
func PubKey(privateKey string) (Account, error) {
	keyb, err := hex.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("decoding key from hex: %w", err)
	}
	_, pubkey := btcec.PrivKeyFromBytes(keyb)
	return hex.EncodeToString(schnorr.SerializePubKey(pubkey)), nil
}

func persistWallet(path string, w Wallet) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

func getWalletFromDisk(path string) (w Wallet, ok bool) {
	file, err := os.ReadFile(path)
	if err != nil {
		LogCLI(fmt.Sprintf("Error getting wallet file: %s", err.Error()), 3)
		return Wallet{}, false
	}
	err = json.Unmarshal(file, &w)
	if err != nil {
		LogCLI(fmt.Sprintf("Error parsing wallet file: %s", err.Error()), 2)
		return Wallet{}, false
	}
	return w, true
}
