package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrChainBroken = errors.New("audit: hash chain broken")

// HashRecord returns the hex sha256 of rec with its Hash field cleared.
// PreviousHash is part of the digest, which links each record to the one
// before it.
func HashRecord(rec Record) (string, error) {
	rec.Hash = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("hash record %s: %w", rec.ID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Chain stamps PreviousHash and Hash on every record before handing it to
// the wrapped writer. Appends are serialized so the chain stays linear.
type Chain struct {
	mu   sync.Mutex
	next Writer
	last string
}

// NewChain continues a chain whose newest hash is last ("" for a new log).
func NewChain(next Writer, last string) *Chain {
	return &Chain{next: next, last: last}
}

func (c *Chain) Append(ctx context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec.At = rec.At.UTC()
	rec.PreviousHash = c.last
	h, err := HashRecord(rec)
	if err != nil {
		return err
	}
	rec.Hash = h
	if err := c.next.Append(ctx, rec); err != nil {
		return err
	}
	c.last = h
	return nil
}

// Head is the hash of the newest record written through c.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Chain) Close() error { return c.next.Close() }

// Verify walks recs in append order and checks every hash and link.
func Verify(recs []Record) error {
	prev := ""
	for i, r := range recs {
		if i > 0 && r.PreviousHash != prev {
			return fmt.Errorf("%w: record %d (%s) links to %q, want %q", ErrChainBroken, i, r.ID, r.PreviousHash, prev)
		}
		h, err := HashRecord(r)
		if err != nil {
			return err
		}
		if h != r.Hash {
			return fmt.Errorf("%w: record %d (%s) hash mismatch", ErrChainBroken, i, r.ID)
		}
		prev = r.Hash
	}
	return nil
}
