// Package invoice issues externally visible order invoice numbers.
//
// The canonical shape is INV-<yyyymmdd>-<unix-nanos>-<buyerID>, keeping the
// legacy time+buyer construction while making cross-buyer collisions
// implausible. The database unique index on orders.invoice_number remains
// the authority; this package only generates candidates and keeps a cheap
// in-process bloom guard so a number already issued by this process is
// never proposed twice.
package invoice

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

const (
	// guardCapacity sizes the bloom filter for the number of invoices one
	// process is expected to issue between restarts.
	guardCapacity = 1_000_000
	guardFPR      = 0.001
)

// Generator issues candidate invoice numbers. Safe for concurrent use.
type Generator struct {
	now func() time.Time

	mu     sync.Mutex
	issued *bloom.BloomFilter
}

// NewGenerator creates a Generator using the real clock.
func NewGenerator() *Generator {
	return &Generator{
		now:    time.Now,
		issued: bloom.NewWithEstimates(guardCapacity, guardFPR),
	}
}

// Next returns the invoice number candidate for the given buyer and
// attempt. Attempt zero yields the canonical time-based number; retries
// after a database collision append a random salt. A candidate this
// process already issued is skipped by advancing the clock component.
func (g *Generator) Next(buyerID int64, attempt int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		n := g.candidate(buyerID, attempt)
		if !g.issued.TestString(n) {
			g.issued.AddString(n)
			return n
		}
		// Bloom hit: either a genuine repeat within the same nanosecond or a
		// false positive. Both are resolved by salting like a retry.
		attempt++
	}
}

func (g *Generator) candidate(buyerID int64, attempt int) string {
	ts := g.now()
	base := fmt.Sprintf("INV-%s-%d-%d", ts.Format("20060102"), ts.UnixNano(), buyerID)
	if attempt == 0 {
		return base
	}
	return base + "-" + uuid.NewString()[:8]
}
