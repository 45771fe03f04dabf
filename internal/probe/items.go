package probe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/canary/internal/batch"
	"github.com/roach88/canary/internal/chain"
)

// Domain prefixes for content identity. The version suffix allows a future
// algorithm change without colliding with old keys.
const (
	domainFingerprint = "canary/fingerprint/v1"
	domainFileKey     = "canary/file-key/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + parts joined by 0x00).
func hashWithDomain(domain string, parts ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint is the content fingerprint of a payload.
func Fingerprint(data []byte) string {
	return hashWithDomain(domainFingerprint, data)
}

// FileKey derives the network-wide key of a file from its owner, bucket,
// location and content.
func FileKey(owner, bucketID, location string, size int, fingerprint string) string {
	return hashWithDomain(domainFileKey,
		[]byte(owner), []byte(bucketID), []byte(location),
		[]byte(strconv.Itoa(size)), []byte(fingerprint))
}

// Item is one generated file. Items are created once by request-storage and
// never modified; their progress lives in the Ledger.
type Item struct {
	Index       int    `json:"index"`
	Location    string `json:"location"`
	FileKey     string `json:"file_key"`
	Fingerprint string `json:"fingerprint"`
	Size        int    `json:"size"`
	Data        []byte `json:"-"`
}

// NewItems generates n random payloads of size bytes for bucketID.
func NewItems(rand io.Reader, owner, bucketID string, n, size int) ([]Item, error) {
	items := make([]Item, n)
	for i := range items {
		data := make([]byte, size)
		if _, err := io.ReadFull(rand, data); err != nil {
			return nil, fmt.Errorf("generate payload %d: %w", i, err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate item id: %w", err)
		}
		loc := fmt.Sprintf("canary/%s.bin", id)
		fp := Fingerprint(data)
		items[i] = Item{
			Index:       i,
			Location:    loc,
			FileKey:     FileKey(owner, bucketID, loc, size, fp),
			Fingerprint: fp,
			Size:        size,
			Data:        data,
		}
	}
	return items, nil
}

// ItemState is how far one item got.
type ItemState string

const (
	ItemRequested ItemState = "requested"
	ItemConfirmed ItemState = "confirmed"
	ItemUploaded  ItemState = "uploaded"
	ItemFulfilled ItemState = "fulfilled"
	ItemVerified  ItemState = "verified"
	ItemDeleted   ItemState = "deleted"
)

// Entry is the ledger record of one item.
type Entry struct {
	State     ItemState    `json:"state"`
	RequestTx chain.TxHash `json:"request_tx,omitempty"`
}

// Ledger tracks per-item progress. Workers of one stage write disjoint keys
// concurrently; cleanup reads it to decide what still exists remotely.
type Ledger struct {
	entries *batch.Statuses[string, Entry]
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: batch.NewStatuses[string, Entry]()}
}

// Requested records a submitted storage request.
func (l *Ledger) Requested(fileKey string, tx chain.TxHash) {
	l.entries.Set(fileKey, Entry{State: ItemRequested, RequestTx: tx})
}

// Advance moves an item to state, keeping its request hash.
func (l *Ledger) Advance(fileKey string, state ItemState) {
	e, _ := l.entries.Get(fileKey)
	e.State = state
	l.entries.Set(fileKey, e)
}

// Get returns the entry of an item.
func (l *Ledger) Get(fileKey string) (Entry, bool) {
	return l.entries.Get(fileKey)
}

// Live returns the items that were requested on chain and not yet deleted,
// in item order.
func (l *Ledger) Live(items []Item) []Item {
	var out []Item
	for _, it := range items {
		e, ok := l.entries.Get(it.FileKey)
		if ok && e.State != ItemDeleted {
			out = append(out, it)
		}
	}
	return out
}

// Snapshot returns fileKey → state.
func (l *Ledger) Snapshot() map[string]ItemState {
	out := make(map[string]ItemState)
	for k, e := range l.entries.Snapshot() {
		out[k] = e.State
	}
	return out
}
