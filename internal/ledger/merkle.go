// Package ledger maintains a tamper-evident hash tree over the decision
// stream. Every rendered decision becomes a leaf; the root commits the whole
// history, so any later mutation of an archived decision is detectable.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/campusgate/backend/internal/core"
)

type node struct {
	left  *node
	right *node
	hash  string
	data  string // leaves only
}

// Ledger is the in-memory merkle tree plus per-identity root snapshots.
type Ledger struct {
	mu        sync.Mutex
	leaves    []*node
	root      *node
	userRoots map[string]string // user ID -> root hash at their last entry
}

func New() *Ledger {
	return &Ledger{
		leaves:    make([]*node, 0),
		userRoots: make(map[string]string),
	}
}

func hashData(data string) string {
	h := sha256.New()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// Append adds a decision leaf and recomputes the root. Returns the leaf hash.
func (l *Ledger) Append(d *core.AccessDecision) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := fmt.Sprintf("[%s] %s %s %s policy=%s v%d",
		d.Timestamp.Format(time.RFC3339Nano), d.RequestID, d.UserID, d.Decision, d.PolicyID, d.PolicyVersion)

	leaf := &node{hash: hashData(entry), data: entry}
	l.leaves = append(l.leaves, leaf)
	l.recalculateRoot()
	l.userRoots[d.UserID] = l.root.hash
	return leaf.hash
}

// recalculateRoot rebuilds the tree bottom-up. Odd levels duplicate the last
// node.
func (l *Ledger) recalculateRoot() {
	nodes := l.leaves
	for len(nodes) > 1 {
		var next []*node
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, &node{
				left:  left,
				right: right,
				hash:  hashData(left.hash + right.hash),
			})
		}
		nodes = next
	}
	l.root = nodes[0]
}

// Root returns the current root hash, empty until the first append.
func (l *Ledger) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.root == nil {
		return ""
	}
	return l.root.hash
}

// UserRoot returns the root hash as of the identity's most recent entry.
func (l *Ledger) UserRoot(userID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.userRoots[userID]
	return r, ok
}

// Size returns the number of leaves.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leaves)
}

// VerifyInclusion reports whether a leaf hash is present in the tree.
func (l *Ledger) VerifyInclusion(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, leaf := range l.leaves {
		if leaf.hash == hash {
			return true
		}
	}
	return false
}
