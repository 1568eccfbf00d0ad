package lineage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// ErrChainCorrupt indicates a hash or linkage mismatch somewhere in the
// chain. It is the one error category with no retry path: a kernel must
// not continue ordinary operation past it.
var ErrChainCorrupt = errors.New("lineage chain corrupt")

// CorruptError reports the first block that failed verification.
type CorruptError struct {
	Index  int64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("lineage chain corrupt at block %d: %s", e.Index, e.Reason)
}

func (e *CorruptError) Unwrap() error { return ErrChainCorrupt }

// Chain is the single writer over a block store. All Append calls are
// serialized behind one mutex so the previous-hash read and the new-block
// write are atomic with respect to each other.
type Chain struct {
	mu    sync.Mutex
	store Store
	log   zerolog.Logger

	philosophyDoc string
	rulesDoc      string
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithAnchors sets the founding documents whose content hashes anchor the
// genesis block. A missing document degrades to an all-zero anchor with a
// logged warning; it never aborts boot.
func WithAnchors(philosophyPath, rulesPath string) ChainOption {
	return func(c *Chain) {
		c.philosophyDoc = philosophyPath
		c.rulesDoc = rulesPath
	}
}

// WithLogger sets the chain's logger.
func WithLogger(log zerolog.Logger) ChainOption {
	return func(c *Chain) {
		c.log = log
	}
}

// Open initializes a chain over the given store. An empty store receives
// a synthesized genesis block. A non-empty store is fully verified first;
// verification failure is fatal and the store is left untouched.
func Open(store Store, opts ...ChainOption) (*Chain, error) {
	c := &Chain{
		store: store,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	n, err := store.Count()
	if err != nil {
		return nil, fmt.Errorf("lineage: count blocks: %w", err)
	}
	if n == 0 {
		if err := c.writeGenesis(); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c, nil
}

// writeGenesis synthesizes block 0 with the founding document anchors.
func (c *Chain) writeGenesis() error {
	b := Block{
		Index:     0,
		Timestamp: newTimestamp(),
		EventType: EventGenesis,
		PrevHash:  ZeroHash,
		Data: map[string]any{
			"philosophy_hash": c.anchorHash(c.philosophyDoc, "philosophy"),
			"rules_hash":      c.anchorHash(c.rulesDoc, "rules"),
		},
	}
	if err := b.seal(); err != nil {
		return err
	}
	if err := c.store.Append(b); err != nil {
		return fmt.Errorf("lineage: persist genesis: %w", err)
	}
	c.log.Info().Str("hash", b.Hash).Msg("genesis block written")
	return nil
}

// anchorHash hashes a founding document, degrading to the all-zero anchor
// when the document is absent.
func (c *Chain) anchorHash(path, name string) string {
	if path == "" {
		c.log.Warn().Str("document", name).Msg("no founding document configured, using zero anchor")
		return ZeroHash
	}
	h, err := HashFile(path)
	if err != nil {
		c.log.Warn().Err(err).Str("document", name).Str("path", path).
			Msg("founding document unreadable, using zero anchor")
		return ZeroHash
	}
	return h
}

// Append creates, seals, and persists a new block linked to the current
// chain head.
func (c *Chain) Append(eventType, agentID string, data map[string]any) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, ok, err := c.store.Latest()
	if err != nil {
		return Block{}, fmt.Errorf("lineage: read chain head: %w", err)
	}
	if !ok {
		return Block{}, errors.New("lineage: chain has no genesis block")
	}

	if data == nil {
		data = map[string]any{}
	}
	b := Block{
		Index:     latest.Index + 1,
		Timestamp: newTimestamp(),
		EventType: eventType,
		AgentID:   agentID,
		Data:      data,
		PrevHash:  latest.Hash,
	}
	if err := b.seal(); err != nil {
		return Block{}, err
	}
	if err := c.store.Append(b); err != nil {
		return Block{}, fmt.Errorf("lineage: persist block %d: %w", b.Index, err)
	}
	return b, nil
}

// Verify recomputes every block's hash and checks linkage to its
// predecessor. It returns a *CorruptError identifying the first broken
// block, or nil if the chain is intact. O(n): run at boot and on demand,
// not per tick.
func (c *Chain) Verify() error {
	blocks, err := c.store.All()
	if err != nil {
		return fmt.Errorf("lineage: load blocks: %w", err)
	}
	var prevHash string
	for i, b := range blocks {
		if b.Index != int64(i) {
			return c.corrupt(b.Index, fmt.Sprintf("expected index %d", i))
		}
		want, err := b.ComputeHash()
		if err != nil {
			return c.corrupt(b.Index, err.Error())
		}
		if b.Hash != want {
			return c.corrupt(b.Index, "stored hash does not match recomputed hash")
		}
		if i == 0 {
			if b.PrevHash != ZeroHash {
				return c.corrupt(b.Index, "genesis previous hash is not the zero hash")
			}
		} else if b.PrevHash != prevHash {
			return c.corrupt(b.Index, "previous hash does not match prior block")
		}
		prevHash = b.Hash
	}
	return nil
}

func (c *Chain) corrupt(index int64, reason string) error {
	err := &CorruptError{Index: index, Reason: reason}
	c.log.Error().Int64("block", index).Str("reason", reason).Msg("lineage verification failed")
	return err
}

// Genesis returns block 0.
func (c *Chain) Genesis() (Block, error) {
	blocks, err := c.store.All()
	if err != nil {
		return Block{}, err
	}
	if len(blocks) == 0 {
		return Block{}, errors.New("lineage: chain has no genesis block")
	}
	return blocks[0], nil
}

// Blocks returns the full chain in order.
func (c *Chain) Blocks() ([]Block, error) {
	return c.store.All()
}

// AgentLineage returns every block recorded for the given agent.
func (c *Chain) AgentLineage(agentID string) ([]Block, error) {
	return c.store.ByAgent(agentID)
}

// Len returns the number of blocks in the chain.
func (c *Chain) Len() (int64, error) {
	return c.store.Count()
}

// ExportJSON writes the full chain to w as indented JSON.
func (c *Chain) ExportJSON(w io.Writer) error {
	blocks, err := c.store.All()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(blocks)
}

// Close closes the underlying store.
func (c *Chain) Close() error {
	return c.store.Close()
}
