package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind is the numeric message kind carried on the wire.
type Kind int

const (
	KindRegular     Kind = 1112
	KindZapRequest  Kind = 9734
	KindZapReceipt  Kind = 9735
	KindReplaceable Kind = 31111
)

// Namespace labels every message the engine emits.
const Namespace = "halving-massacre"

// Label discriminates outbound messages. It doubles as the outbound subject token.
type Label string

const (
	LabelFreeze       Label = "freeze"
	LabelMassacre     Label = "massacre"
	LabelPowerReceipt Label = "power-receipt"
	LabelTicket       Label = "ticket"
	LabelState        Label = "state"
	LabelProfile      Label = "profile"
	LabelStart        Label = "start"
	LabelClose        Label = "close"
)

// Message is a signed, content-addressed event. Inbound zap receipts and every
// outbound publication share this envelope.
type Message struct {
	// Hex SHA-256 of the canonical serialization
	ID string `json:"id"`

	// x-only schnorr public key of the author (hex)
	PubKey string `json:"pubkey"`

	// Unix seconds
	CreatedAt int64 `json:"created_at"`

	Kind    Kind       `json:"kind"`
	Tags    [][]string `json:"tags"`
	Content string     `json:"content"`

	// BIP-340 signature over ID (hex)
	Sig string `json:"sig"`
}

// Hash computes the canonical id: SHA-256 of [0, pubkey, created_at, kind, tags, content].
func (m *Message) Hash() ([32]byte, error) {
	tags := m.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]interface{}{0, m.PubKey, m.CreatedAt, m.Kind, tags, m.Content}); err != nil {
		return [32]byte{}, fmt.Errorf("serialize message: %w", err)
	}
	return sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// ComputeID fills ID from the current fields and returns it.
func (m *Message) ComputeID() (string, error) {
	h, err := m.Hash()
	if err != nil {
		return "", err
	}
	m.ID = hex.EncodeToString(h[:])
	return m.ID, nil
}

// Tag returns the first tag with the given name, or nil.
func (m *Message) Tag(name string) []string {
	for _, t := range m.Tags {
		if len(t) > 0 && t[0] == name {
			return t
		}
	}
	return nil
}

// TagValue returns the second element of the first tag with the given name.
func (m *Message) TagValue(name string) (string, bool) {
	t := m.Tag(name)
	if len(t) < 2 {
		return "", false
	}
	return t[1], true
}

// Label returns the namespaced label of an outbound message.
func (m *Message) Label() Label {
	for _, t := range m.Tags {
		if len(t) >= 3 && t[0] == "l" && t[2] == Namespace {
			return Label(t[1])
		}
	}
	return ""
}

// GameID returns the id referenced by the ["e", id, "", "setup"] tag.
func (m *Message) GameID() string {
	for _, t := range m.Tags {
		if len(t) >= 4 && t[0] == "e" && t[3] == "setup" {
			return t[1]
		}
	}
	return ""
}

// Block returns the value of the block tag, or -1 if absent.
func (m *Message) Block() int64 {
	v, ok := m.TagValue("block")
	if !ok {
		return -1
	}
	h, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return h
}
