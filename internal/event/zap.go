package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ZapType is the tagged-union discriminator of a zap request's content.
type ZapType string

const (
	ZapTicket ZapType = "TICKET"
	ZapPower  ZapType = "POWER"
)

// Zap is a verified payment confirmation for a ticket or a power top-up.
type Zap struct {
	// ReceiptID is the confirmation's own id, the idempotency key.
	ReceiptID string

	// PoolPubKey is the account that was paid (receipt "p" tag).
	PoolPubKey string

	Type     ZapType
	GameID   string
	TicketID string // TICKET only
	Walias   string // POWER only
	Message  string // POWER only
	Amount   int64  // msats, from the request's amount tag

	Raw []byte
}

// ZapKeys names the identities a zap must come from.
type ZapKeys struct {
	// Gateway is the author of zap receipts. Every receipt is rejected
	// while it is empty.
	Gateway string

	// Issuer is our own key: zap requests must be signed by it.
	Issuer string
}

type zapContentJSON struct {
	Type     *string `json:"type"`
	GameID   *string `json:"gameId"`
	TicketID *string `json:"ticketId"`
	Walias   *string `json:"walias"`
	Message  string  `json:"message"`
}

// DecodeReceipt reads the envelope of a zap receipt without validating it.
func DecodeReceipt(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if m.Kind != KindZapReceipt {
		return nil, fmt.Errorf("%w: kind %d is not a zap receipt", ErrMalformed, m.Kind)
	}
	return &m, nil
}

// ParseZap validates a decoded receipt and its embedded zap request.
func ParseZap(receipt *Message, raw []byte, keys ZapKeys) (*Zap, error) {
	if keys.Gateway == "" {
		return nil, fmt.Errorf("%w: no gateway key configured", ErrUnauthorized)
	}
	if receipt.PubKey != keys.Gateway {
		return nil, fmt.Errorf("%w: receipt author %s", ErrUnauthorized, receipt.PubKey)
	}
	if err := Verify(receipt); err != nil {
		return nil, fmt.Errorf("receipt: %w", err)
	}
	pool, ok := receipt.TagValue("p")
	if !ok || pool == "" {
		return nil, fmt.Errorf("%w: receipt has no recipient", ErrMalformed)
	}

	desc, ok := receipt.TagValue("description")
	if !ok || desc == "" {
		return nil, fmt.Errorf("%w: receipt has no description", ErrMalformed)
	}
	var req Message
	if err := json.Unmarshal([]byte(desc), &req); err != nil {
		return nil, fmt.Errorf("%w: zap request: %v", ErrMalformed, err)
	}
	if req.PubKey != keys.Issuer {
		return nil, fmt.Errorf("%w: zap request not issued by us", ErrUnauthorized)
	}
	if err := Verify(&req); err != nil {
		return nil, fmt.Errorf("zap request: %w", err)
	}

	amountStr, ok := req.TagValue("amount")
	if !ok {
		return nil, fmt.Errorf("%w: zap request has no amount", ErrMalformed)
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil || amount <= 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrMalformed, amountStr)
	}

	var c zapContentJSON
	if err := json.Unmarshal([]byte(req.Content), &c); err != nil {
		return nil, fmt.Errorf("%w: zap content: %v", ErrMalformed, err)
	}
	if c.Type == nil || c.GameID == nil || *c.GameID == "" {
		return nil, fmt.Errorf("%w: zap content needs type and gameId", ErrMalformed)
	}

	z := &Zap{
		ReceiptID:  receipt.ID,
		PoolPubKey: pool,
		Type:       ZapType(strings.ToUpper(*c.Type)),
		GameID:     *c.GameID,
		Amount:     amount,
		Raw:        raw,
	}
	switch z.Type {
	case ZapTicket:
		if c.TicketID == nil || *c.TicketID == "" {
			return nil, fmt.Errorf("%w: ticket zap without ticketId", ErrMalformed)
		}
		z.TicketID = *c.TicketID
	case ZapPower:
		if c.Walias == nil || *c.Walias == "" {
			return nil, fmt.Errorf("%w: power zap without walias", ErrMalformed)
		}
		z.Walias = strings.ToLower(*c.Walias)
		z.Message = c.Message
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, z.Type)
	}
	return z, nil
}
