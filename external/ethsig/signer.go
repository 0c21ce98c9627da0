package ethsig

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const signatureHexLength = 130

// Signer signs payloads as EIP-191 personal messages over their Keccak-256 digest.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	return NewSignerFromKey(key), nil
}

func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *Signer) Address() string {
	return s.address.Hex()
}

func (s *Signer) Sign(payload []byte) (string, error) {
	signature, err := crypto.Sign(messageHash(payload), s.key)
	if err != nil {
		return "", errors.Wrap(err, "signing payload")
	}
	signature[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(signature), nil
}

type Recoverer struct{}

func NewRecoverer() *Recoverer {
	return &Recoverer{}
}

// Recover returns the checksummed address that produced signature over payload.
func (r *Recoverer) Recover(payload []byte, signature string) (string, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return "", err
	}
	publicKey, err := crypto.SigToPub(messageHash(payload), sig)
	if err != nil {
		return "", errors.Wrap(err, "recovering public key")
	}
	return crypto.PubkeyToAddress(*publicKey).Hex(), nil
}

func messageHash(payload []byte) []byte {
	return accounts.TextHash(crypto.Keccak256(payload))
}

func decodeSignature(signature string) ([]byte, error) {
	hexSignature := strings.TrimPrefix(signature, "0x")
	if len(hexSignature) != signatureHexLength {
		return nil, errors.Errorf("invalid signature length: expected %d hex chars, got %d", signatureHexLength, len(hexSignature))
	}
	sig, err := hex.DecodeString(hexSignature)
	if err != nil {
		return nil, errors.Wrap(err, "decoding signature hex")
	}
	v := sig[crypto.RecoveryIDOffset]
	switch {
	case v == 27 || v == 28:
		sig[crypto.RecoveryIDOffset] = v - 27
	case v == 0 || v == 1:
	default:
		return nil, errors.Errorf("invalid recovery id [%d]", v)
	}
	// only the lower s of the two valid signatures is accepted
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return nil, errors.New("invalid signature values: r or s out of range")
	}
	return sig, nil
}
