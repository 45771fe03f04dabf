package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Signer signs transactions on behalf of one account.
type Signer struct {
	key     ed25519.PrivateKey
	account string
}

// NewSignerFromSeed builds a signer from a 32-byte hex seed (with or without 0x).
func NewSignerFromSeed(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(seedHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	pub := key.Public().(ed25519.PublicKey)
	return &Signer{key: key, account: "0x" + hex.EncodeToString(pub)}, nil
}

// Account returns the hex-encoded public key.
func (s *Signer) Account() string {
	return s.account
}

// Sign returns a hex signature over message.
func (s *Signer) Sign(message []byte) string {
	return "0x" + hex.EncodeToString(ed25519.Sign(s.key, message))
}

// SigningPayload is the byte string a transaction signature covers: the JSON
// encoding of the call, account and nonce.
func (tx Tx) SigningPayload() ([]byte, error) {
	payload, err := json.Marshal(struct {
		Call    Call   `json:"call"`
		Account string `json:"account"`
		Nonce   uint64 `json:"nonce"`
	}{tx.Call, tx.Account, tx.Nonce})
	if err != nil {
		return nil, fmt.Errorf("encode tx %s: %w", tx.Call, err)
	}
	return payload, nil
}

// SignTx fills Account and Signature.
func (s *Signer) SignTx(call Call, nonce uint64) (Tx, error) {
	tx := Tx{Call: call, Account: s.account, Nonce: nonce}
	payload, err := tx.SigningPayload()
	if err != nil {
		return Tx{}, err
	}
	tx.Signature = s.Sign(payload)
	return tx, nil
}

// Verify checks a signature produced by Sign against an account.
func Verify(account string, message []byte, signature string) bool {
	pub, err := hex.DecodeString(strings.TrimPrefix(account, "0x"))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
