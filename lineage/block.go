package lineage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Event type tags recorded on lineage blocks.
const (
	EventGenesis          = "GENESIS"
	EventBoot             = "BOOT"
	EventAgentRegistered  = "AGENT_REGISTERED"
	EventOathSworn        = "OATH_SWORN"
	EventAgentCrashed     = "AGENT_CRASHED"
	EventAgentRestarted   = "AGENT_RESTARTED"
	EventAgentQuarantined = "AGENT_QUARANTINED"
	EventKernelShutdown   = "KERNEL_SHUTDOWN"
)

// ZeroHash is the previous-hash value of the genesis block and the anchor
// value used when a founding document is missing: 64 zero characters.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Block is a single lineage chain entry. Blocks are created once per
// event and never mutated or deleted; the chain only grows.
type Block struct {
	// Index is the monotonic position in the chain. Genesis is 0.
	Index int64 `json:"index"`

	// Timestamp is the ISO-8601 creation time.
	Timestamp string `json:"timestamp"`

	// EventType is one of the Event* tags.
	EventType string `json:"event_type"`

	// AgentID identifies the agent the event concerns, if any.
	AgentID string `json:"agent_id,omitempty"`

	// Data is the event payload.
	Data map[string]any `json:"data"`

	// PrevHash is the Hash of the preceding block, or ZeroHash for genesis.
	PrevHash string `json:"previous_hash"`

	// Hash is the SHA-256 of the block's canonical bytes (all fields
	// except Hash itself).
	Hash string `json:"hash"`
}

// CanonicalBytes serializes the block deterministically with the hash
// field excluded. Map keys are emitted in lexicographic order, so two
// blocks with equal fields always produce identical bytes.
func (b Block) CanonicalBytes() ([]byte, error) {
	m := map[string]any{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"event_type":    b.EventType,
		"agent_id":      b.AgentID,
		"data":          b.Data,
		"previous_hash": b.PrevHash,
	}
	return json.Marshal(m)
}

// ComputeHash returns the SHA-256 hex digest of the block's canonical bytes.
func (b Block) ComputeHash() (string, error) {
	canonical, err := b.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("lineage: canonicalize block %d: %w", b.Index, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// seal computes and stores the block's own hash.
func (b *Block) seal() error {
	h, err := b.ComputeHash()
	if err != nil {
		return err
	}
	b.Hash = h
	return nil
}

// newTimestamp returns the canonical block timestamp format.
func newTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// HashFile returns the SHA-256 hex digest of a file's contents.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// validHex reports whether s is a 64-character lowercase hex string.
func validHex(s string) bool {
	if len(s) != 64 {
		return false
	}
	if strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
