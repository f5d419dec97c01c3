package cursor

import (
	"github.com/fluxrill/pdal/lib/backend"
)

// --------------------------------------------------------------------------
// Token Structure
// --------------------------------------------------------------------------

// Sub is the position within one partition: the scan resumes strictly
// after (LastSeq, LastID). A zero Sub means "from the beginning".
type Sub struct {
	Partition backend.PartitionID `json:"partition"`
	LastSeq   backend.Sequence    `json:"last_seq"`
	LastID    string              `json:"last_id,omitempty"`
}

// Token is the decoded form of a scan cursor. Callers only ever see the
// encoded, opaque representation; the fields here are the contract
// between the pager and the codecs.
//
// A token carries no server-side state: everything needed to resume —
// the routing generation it was issued under and one sub-cursor per
// partition touched — travels with the caller.
type Token struct {
	// Generation is the routing table generation at issue time. A resumed
	// token from an older generation triggers lineage remapping before
	// any partition is scanned.
	Generation uint64 `json:"generation"`

	// Merge marks a multi-partition scan whose results are globally
	// ordered by (sequence, id) via a k-way merge.
	Merge bool `json:"merge,omitempty"`

	// Low and High bound the scanned point range for merge scans, so a
	// remap after a reshard only picks up partitions inside the range.
	Low  uint64 `json:"low,omitempty"`
	High uint64 `json:"high,omitempty"`

	// Subs holds one position per partition, sorted by partition ID.
	Subs []Sub `json:"subs"`
}

// Clone returns a deep copy of the token.
func (t Token) Clone() Token {
	out := t
	out.Subs = append([]Sub(nil), t.Subs...)
	return out
}

// --------------------------------------------------------------------------
// Codec Interface
// --------------------------------------------------------------------------

// ICursorCodec encodes cursor tokens into their opaque wire form.
type ICursorCodec interface {
	// Encode serializes a Token into a byte slice.
	Encode(t Token) ([]byte, error)
	// Decode deserializes a byte slice into a Token.
	// It returns a RetCCursorExpired error for bytes it cannot parse:
	// an unreadable cursor cannot be resumed, only restarted.
	Decode(b []byte, t *Token) error
}
