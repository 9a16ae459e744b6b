package event

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	// ErrMalformed reports an inbound message that cannot be decoded.
	ErrMalformed = errors.New("malformed message")

	// ErrUnauthorized reports a message from an unexpected author or with a bad signature.
	ErrUnauthorized = errors.New("unauthorized message")

	// ErrUnknownType reports a zap request whose content type is not handled.
	ErrUnknownType = errors.New("unknown content type")
)

// Signer holds the engine's identity key.
type Signer struct {
	priv   *btcec.PrivateKey
	pubKey string
}

// NewSigner parses a 32-byte hex private key.
func NewSigner(privHex string) (*Signer, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil || len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("signing key must be %d hex bytes", btcec.PrivKeyBytesLen)
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return &Signer{
		priv:   priv,
		pubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// PubKey returns the x-only public key in hex.
func (s *Signer) PubKey() string {
	return s.pubKey
}

// Sign sets PubKey, ID and Sig on m.
func (s *Signer) Sign(m *Message) error {
	m.PubKey = s.pubKey
	h, err := m.Hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.priv, h[:])
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	m.ID = hex.EncodeToString(h[:])
	m.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that m.ID matches its content and m.Sig is a valid
// BIP-340 signature by m.PubKey.
func Verify(m *Message) error {
	h, err := m.Hash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if hex.EncodeToString(h[:]) != m.ID {
		return fmt.Errorf("%w: id does not match content", ErrUnauthorized)
	}
	pkBytes, err := hex.DecodeString(m.PubKey)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrMalformed, err)
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: pubkey: %v", ErrMalformed, err)
	}
	sigBytes, err := hex.DecodeString(m.Sig)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", ErrMalformed, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: sig: %v", ErrMalformed, err)
	}
	if !sig.Verify(h[:], pk) {
		return fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}
	return nil
}
