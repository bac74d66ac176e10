package runechain

import (
	"context"
	"fmt"

	"github.com/mchahed99/heimdall-sub000/pkg/keys"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// ReceiptVersion identifies the receipt format.
const ReceiptVersion = "1"

// ReceiptRune is the rune subset bundled into a receipt.
type ReceiptRune struct {
	Sequence      uint64        `json:"sequence"`
	Timestamp     string        `json:"timestamp"`
	ToolName      string        `json:"tool_name"`
	Decision      ward.Decision `json:"decision"`
	Rationale     string        `json:"rationale"`
	MatchedWards  []string      `json:"matched_wards"`
	ArgumentsHash string        `json:"arguments_hash"`
	ContentHash   string        `json:"content_hash"`
	PreviousHash  string        `json:"previous_hash"`
	IsGenesis     bool          `json:"is_genesis"`
}

// ChainPosition locates the receipt's rune within the chain.
type ChainPosition struct {
	ChainLength uint64 `json:"chain_length"`
}

// SignedReceipt is a self-contained proof for one rune, verifiable
// offline with only the bundled public key.
type SignedReceipt struct {
	Version       string        `json:"version"`
	Rune          ReceiptRune   `json:"rune"`
	ChainPosition ChainPosition `json:"chain_position"`
	Signature     string        `json:"signature,omitempty"`
	PublicKey     string        `json:"public_key,omitempty"`
}

// ExportReceipt bundles the rune at seq with the chain's public key.
func (c *Chain) ExportReceipt(ctx context.Context, seq uint64) (*SignedReceipt, error) {
	r, err := c.adapter.GetRuneBySequence(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("runechain: export receipt %d: %w", seq, err)
	}
	return &SignedReceipt{
		Version: ReceiptVersion,
		Rune: ReceiptRune{
			Sequence:      r.Sequence,
			Timestamp:     r.Timestamp,
			ToolName:      r.ToolName,
			Decision:      r.Decision,
			Rationale:     r.Rationale,
			MatchedWards:  r.MatchedWards,
			ArgumentsHash: r.ArgumentsHash,
			ContentHash:   r.ContentHash,
			PreviousHash:  r.PreviousHash,
			IsGenesis:     r.IsGenesis,
		},
		ChainPosition: ChainPosition{ChainLength: c.LastSequence()},
		Signature:     r.Signature,
		PublicKey:     c.PublicKey(),
	}, nil
}

// VerifyReceipt checks a receipt offline: the signature must verify over
// the bundled content hash under the bundled public key.
func VerifyReceipt(r *SignedReceipt) (bool, error) {
	if r == nil {
		return false, fmt.Errorf("receipt is nil")
	}
	if r.Signature == "" {
		return false, fmt.Errorf("receipt is unsigned")
	}
	if r.PublicKey == "" {
		return false, fmt.Errorf("receipt carries no public key")
	}
	return keys.Verify(r.PublicKey, []byte(r.Rune.ContentHash), r.Signature)
}
