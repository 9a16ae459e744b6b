package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Block is a chain tip notification. ID is the block hash in display order.
type Block struct {
	ID     string `json:"id"`
	Height int64  `json:"height"`
	Header string `json:"header,omitempty"`
}

// Seed returns the 32 hash bytes in display order, the lottery seed.
func (b Block) Seed() ([]byte, error) {
	h, err := chainhash.NewHashFromStr(b.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: block hash %q: %v", ErrMalformed, b.ID, err)
	}
	return hex.DecodeString(h.String())
}

type blockFeedJSON struct {
	Block  *blockJSON  `json:"block"`
	Blocks []blockJSON `json:"blocks"`
}

type blockJSON struct {
	ID     string `json:"id"`
	Height int64  `json:"height"`
	Extras struct {
		Header string `json:"header"`
	} `json:"extras"`
}

// ParseBlocks decodes a block feed payload, either {"block": {...}} or
// {"blocks": [...]}. Entries with an invalid hash or height are rejected.
func ParseBlocks(data []byte) ([]Block, error) {
	var j blockFeedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: block feed: %v", ErrMalformed, err)
	}
	raw := j.Blocks
	if j.Block != nil {
		raw = append(raw, *j.Block)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Block, 0, len(raw))
	for _, b := range raw {
		if b.Height <= 0 {
			return nil, fmt.Errorf("%w: block height %d", ErrMalformed, b.Height)
		}
		if _, err := chainhash.NewHashFromStr(b.ID); err != nil || len(b.ID) != 2*chainhash.HashSize {
			return nil, fmt.Errorf("%w: block hash %q", ErrMalformed, b.ID)
		}
		out = append(out, Block{ID: b.ID, Height: b.Height, Header: b.Extras.Header})
	}
	return out, nil
}

// Highest returns the block with the greatest height.
func Highest(blocks []Block) (Block, bool) {
	if len(blocks) == 0 {
		return Block{}, false
	}
	best := blocks[0]
	for _, b := range blocks[1:] {
		if b.Height > best.Height {
			best = b
		}
	}
	return best, true
}
