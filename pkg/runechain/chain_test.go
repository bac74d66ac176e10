package runechain_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchahed99/heimdall-sub000/pkg/keys"
	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
	"github.com/mchahed99/heimdall-sub000/pkg/storage"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

func newChain(t *testing.T) *runechain.Chain {
	t.Helper()
	signer, err := keys.NewSigner()
	require.NoError(t, err)
	c, err := runechain.Open(context.Background(), storage.NewMemoryAdapter(), signer)
	require.NoError(t, err)
	return c
}

func inscribe(t *testing.T, c *runechain.Chain, tool string, decision ward.Decision) *runechain.Rune {
	t.Helper()
	r, err := c.Inscribe(context.Background(), runechain.InscribeRequest{
		Call: &ward.ToolCallContext{
			ToolName:  tool,
			Arguments: map[string]any{"k": "v"},
			SessionID: "s1",
		},
		Eval: &ward.Evaluation{
			Decision:     decision,
			MatchedWards: []string{},
			WardChain:    []ward.ChainStep{},
			Rationale:    "test",
		},
	})
	require.NoError(t, err)
	return r
}

// tamperAdapter lets tests mutate stored runes the way an attacker with
// database access would.
type tamperAdapter struct {
	runechain.Adapter
	seq    uint64
	mutate func(*runechain.Rune)
}

func (a *tamperAdapter) GetRuneBySequence(ctx context.Context, seq uint64) (*runechain.Rune, error) {
	r, err := a.Adapter.GetRuneBySequence(ctx, seq)
	if err != nil {
		return nil, err
	}
	if seq == a.seq && a.mutate != nil {
		a.mutate(r)
	}
	return r, nil
}

func TestInscribeGenesis(t *testing.T) {
	c := newChain(t)
	r := inscribe(t, c, "list_files", ward.DecisionPass)

	assert.Equal(t, uint64(1), r.Sequence)
	assert.True(t, r.IsGenesis)
	assert.Equal(t, runechain.GenesisHash, r.PreviousHash)
	assert.NotEmpty(t, r.ContentHash)
	assert.NotEmpty(t, r.Signature)

	ok, err := keys.Verify(c.PublicKey(), []byte(r.ContentHash), r.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInscribeLinksSequence(t *testing.T) {
	c := newChain(t)
	r1 := inscribe(t, c, "a", ward.DecisionPass)
	r2 := inscribe(t, c, "b", ward.DecisionHalt)
	r3 := inscribe(t, c, "c", ward.DecisionPass)

	assert.Equal(t, uint64(2), r2.Sequence)
	assert.Equal(t, r1.ContentHash, r2.PreviousHash)
	assert.Equal(t, r2.ContentHash, r3.PreviousHash)
	assert.False(t, r2.IsGenesis)
}

func TestVerifyEmptyChain(t *testing.T) {
	c := newChain(t)
	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Zero(t, res.TotalRunes)
	assert.NotEmpty(t, res.VerificationHash)
}

func TestVerifyValidChainWithStats(t *testing.T) {
	c := newChain(t)
	inscribe(t, c, "Bash", ward.DecisionPass)
	inscribe(t, c, "Bash", ward.DecisionHalt)
	inscribe(t, c, "Read", ward.DecisionPass)

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, uint64(3), res.TotalRunes)
	assert.Equal(t, uint64(3), res.VerifiedRunes)
	assert.Equal(t, uint64(3), res.SignaturesVerified)
	assert.Zero(t, res.SignaturesMissing)
	assert.Equal(t, 1, res.Stats.Sessions)
	assert.Equal(t, 2, res.Stats.Tools)
	assert.Equal(t, uint64(2), res.Stats.Decisions["PASS"])
	assert.Equal(t, uint64(1), res.Stats.Decisions["HALT"])
	assert.NotEmpty(t, res.Stats.FirstTimestamp)
}

func TestVerifyDetectsContentMutation(t *testing.T) {
	signer, err := keys.NewSigner()
	require.NoError(t, err)
	mem := storage.NewMemoryAdapter()
	tampered := &tamperAdapter{Adapter: mem, seq: 2, mutate: func(r *runechain.Rune) {
		r.Decision = ward.DecisionPass // was HALT
	}}
	c, err := runechain.Open(context.Background(), tampered, signer)
	require.NoError(t, err)

	inscribe(t, c, "a", ward.DecisionPass)
	inscribe(t, c, "b", ward.DecisionHalt)
	inscribe(t, c, "c", ward.DecisionPass)

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, uint64(2), res.BrokenAtSequence)
	assert.Contains(t, res.BrokenReason, "Content hash mismatch")
	assert.Equal(t, uint64(1), res.VerifiedRunes)
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	signer, err := keys.NewSigner()
	require.NoError(t, err)
	mem := storage.NewMemoryAdapter()
	tampered := &tamperAdapter{Adapter: mem, seq: 3, mutate: func(r *runechain.Rune) {
		r.PreviousHash = "forged"
	}}
	c, err := runechain.Open(context.Background(), tampered, signer)
	require.NoError(t, err)

	inscribe(t, c, "a", ward.DecisionPass)
	inscribe(t, c, "b", ward.DecisionPass)
	inscribe(t, c, "c", ward.DecisionPass)

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, uint64(3), res.BrokenAtSequence)
	assert.Equal(t, "Chain linkage broken", res.BrokenReason)
}

type deletingAdapter struct {
	runechain.Adapter
	seq uint64
}

func (a *deletingAdapter) GetRuneBySequence(ctx context.Context, seq uint64) (*runechain.Rune, error) {
	if seq == a.seq {
		return nil, runechain.ErrRuneNotFound
	}
	return a.Adapter.GetRuneBySequence(ctx, seq)
}

func TestVerifyDetectsDeletedRune(t *testing.T) {
	signer, err := keys.NewSigner()
	require.NoError(t, err)
	mem := storage.NewMemoryAdapter()
	gapped := &deletingAdapter{Adapter: mem, seq: 2}
	c, err := runechain.Open(context.Background(), gapped, signer)
	require.NoError(t, err)

	inscribe(t, c, "a", ward.DecisionPass)
	inscribe(t, c, "b", ward.DecisionPass)
	inscribe(t, c, "c", ward.DecisionPass)

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, uint64(2), res.BrokenAtSequence)
	assert.Equal(t, "Rune missing", res.BrokenReason)
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	signer, err := keys.NewSigner()
	require.NoError(t, err)
	other, err := keys.NewSigner()
	require.NoError(t, err)

	mem := storage.NewMemoryAdapter()
	tampered := &tamperAdapter{Adapter: mem, seq: 1, mutate: func(r *runechain.Rune) {
		r.Signature = other.Sign([]byte(r.ContentHash))
	}}
	c, err := runechain.Open(context.Background(), tampered, signer)
	require.NoError(t, err)

	inscribe(t, c, "a", ward.DecisionPass)

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "Invalid signature", res.BrokenReason)
}

func TestUnsignedChain(t *testing.T) {
	c, err := runechain.Open(context.Background(), storage.NewMemoryAdapter(), nil)
	require.NoError(t, err)

	r := inscribe(t, c, "a", ward.DecisionPass)
	assert.Empty(t, r.Signature)
	assert.Empty(t, c.PublicKey())

	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, uint64(1), res.SignaturesMissing)
	assert.Zero(t, res.SignaturesVerified)
}

func TestUpdateLastResponse(t *testing.T) {
	c := newChain(t)
	inscribe(t, c, "a", ward.DecisionPass)
	before := inscribe(t, c, "b", ward.DecisionPass)

	d := 42.0
	updated, err := c.UpdateLastResponse(context.Background(), `{"result":"ok","token":"sk-ant-abc123xyzabc"}`, &d)
	require.NoError(t, err)
	assert.NotEqual(t, before.ContentHash, updated.ContentHash)
	assert.NotContains(t, updated.ResponseSummary, "sk-ant")
	require.NotNil(t, updated.DurationMs)
	assert.Equal(t, 42.0, *updated.DurationMs)

	// The rewritten tail still verifies.
	res, err := c.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestUpdateLastResponseEmptyChain(t *testing.T) {
	c := newChain(t)
	_, err := c.UpdateLastResponse(context.Background(), "x", nil)
	assert.ErrorIs(t, err, runechain.ErrRuneNotFound)
}

func TestReceiptExportAndOfflineVerify(t *testing.T) {
	c := newChain(t)
	inscribe(t, c, "send_report", ward.DecisionHalt)
	inscribe(t, c, "list_files", ward.DecisionPass)

	receipt, err := c.ExportReceipt(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, runechain.ReceiptVersion, receipt.Version)
	assert.Equal(t, uint64(1), receipt.Rune.Sequence)
	assert.Equal(t, ward.DecisionHalt, receipt.Rune.Decision)
	assert.Equal(t, uint64(2), receipt.ChainPosition.ChainLength)

	// Round-trip through JSON, then verify with nothing but the bundle.
	raw, err := json.Marshal(receipt)
	require.NoError(t, err)
	var imported runechain.SignedReceipt
	require.NoError(t, json.Unmarshal(raw, &imported))
	assert.Equal(t, *receipt, imported)

	ok, err := runechain.VerifyReceipt(&imported)
	require.NoError(t, err)
	assert.True(t, ok)

	imported.Rune.ContentHash = "forged"
	ok, err = runechain.VerifyReceipt(&imported)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimitProviderCountsRunes(t *testing.T) {
	c := newChain(t)
	inscribe(t, c, "Bash", ward.DecisionPass)
	inscribe(t, c, "Bash", ward.DecisionPass)
	inscribe(t, c, "Read", ward.DecisionPass)

	p := c.RateLimitProvider()
	assert.Equal(t, 2, p("s1", "Bash", time.Minute))
	assert.Equal(t, 3, p("s1", "*", time.Minute))
	assert.Equal(t, 0, p("s2", "*", time.Minute))
}

func TestChainResumesFromAdapter(t *testing.T) {
	signer, err := keys.NewSigner()
	require.NoError(t, err)
	mem := storage.NewMemoryAdapter()

	c1, err := runechain.Open(context.Background(), mem, signer)
	require.NoError(t, err)
	inscribe(t, c1, "a", ward.DecisionPass)
	tail := inscribe(t, c1, "b", ward.DecisionPass)

	c2, err := runechain.Open(context.Background(), mem, signer)
	require.NoError(t, err)
	r := inscribe(t, c2, "c", ward.DecisionPass)
	assert.Equal(t, uint64(3), r.Sequence)
	assert.Equal(t, tail.ContentHash, r.PreviousHash)
}

// Property: a chain of generated inscriptions always verifies valid and
// every rune is accounted for as signed or unsigned.
func TestChainVerificationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("inscription sequences verify", prop.ForAll(
		func(tools []string) bool {
			c := newChain(t)
			for _, tool := range tools {
				if tool == "" {
					tool = "t"
				}
				inscribe(t, c, tool, ward.DecisionPass)
			}
			res, err := c.Verify(context.Background())
			if err != nil || !res.Valid {
				return false
			}
			return res.SignaturesVerified+res.SignaturesMissing == res.TotalRunes
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
