package backend

import (
	"context"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// PartitionID identifies one partition of the routing-key space.
type PartitionID uint64

// Sequence is the logical write counter assigned by the backend.
// It is unique and strictly increasing in insertion order within one
// partition. It carries no ordering guarantee across partitions.
type Sequence uint64

// Document is an immutable-at-rest record. The ID is an opaque, comparable
// identifier that is unique within a partition. The RoutingKey selects the
// owning partition. Sequence and Version are assigned by the backend on
// write and must be zero on the first Put of a new document.
type Document struct {
	ID         string   `json:"id"`
	RoutingKey string   `json:"routing_key"`
	Sequence   Sequence `json:"sequence"`
	Version    uint64   `json:"version"`
	Value      []byte   `json:"value,omitempty"`
}

// PartitionMeta describes one partition and the half-open point range
// [Low, High) of the routing keyspace it owns.
type PartitionMeta struct {
	ID   PartitionID `json:"id"`
	Low  uint64      `json:"low"`
	High uint64      `json:"high"`
}

// Contains reports whether the partition owns the given routing point.
func (m PartitionMeta) Contains(point uint64) bool {
	return point >= m.Low && point < m.High
}

// Span returns the width of the owned point range.
func (m PartitionMeta) Span() uint64 {
	return m.High - m.Low
}

// --------------------------------------------------------------------------
// Routing Points
// --------------------------------------------------------------------------

// MaxPoint is the exclusive upper bound of the routing keyspace. A full
// routing table always covers [0, MaxPoint) with no gaps and no overlaps.
const MaxPoint = uint64(math.MaxUint64)

// Hasher maps a routing key to a point in [0, MaxPoint). All components of
// one deployment must agree on the hasher, otherwise routing and ownership
// checks diverge.
type Hasher func(routingKey string) uint64

// DefaultHasher hashes routing keys with xxhash. The topmost point is
// reserved as the exclusive end of the keyspace and is never produced.
func DefaultHasher(routingKey string) uint64 {
	p := xxhash.Sum64String(routingKey)
	if p == MaxPoint {
		p--
	}
	return p
}

// --------------------------------------------------------------------------
// Write Requests and Results
// --------------------------------------------------------------------------

// AckLevel is the durability guarantee requested for a write: how many
// replicas of the target partition must confirm before the write is
// considered acknowledged.
type AckLevel uint8

const (
	AckNone     AckLevel = iota // Dispatch only, wait for no confirmation
	AckOne                      // One replica must confirm
	AckMajority                 // A majority of replicas must confirm
	AckAll                      // Every replica must confirm
)

func (l AckLevel) String() string {
	switch l {
	case AckNone:
		return "none"
	case AckOne:
		return "one"
	case AckMajority:
		return "majority"
	case AckAll:
		return "all"
	default:
		return "unknown"
	}
}

// WriteOutcome tags a WriteResult.
type WriteOutcome uint8

const (
	// WriteAcknowledged means the requested ack level was reached in time.
	WriteAcknowledged WriteOutcome = iota
	// WriteTimedOut means the timeout elapsed first. The write may still
	// complete on further replicas; Acks carries what was observed. The
	// caller decides whether to treat this as success, retry or escalate.
	WriteTimedOut
)

func (o WriteOutcome) String() string {
	switch o {
	case WriteAcknowledged:
		return "acknowledged"
	case WriteTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// PutOptions carries the per-write parameters of a RoutePut call.
type PutOptions struct {
	// Ack is the requested acknowledgment level.
	Ack AckLevel
	// Timeout bounds how long the backend waits for acknowledgments.
	// Zero means no bound beyond the context deadline.
	Timeout time.Duration
	// IdempotencyKey makes a retried write apply at most once. The backend
	// must return the original result for a key it has already applied.
	IdempotencyKey string
	// Conditional turns the write into a compare-and-swap on the document
	// version: the write only applies if the current version equals
	// ExpectedVersion (zero meaning "document must not exist"). A mismatch
	// fails with RetCVersionConflict.
	Conditional     bool
	ExpectedVersion uint64
	// PreserveSequence keeps doc.Sequence instead of assigning a fresh one.
	// Used by reshard migration so cursor positions survive the move.
	PreserveSequence bool
}

// WriteResult is the outcome of a write. A result is only meaningful when
// the accompanying error is nil; hard failures are reported as an *Error.
type WriteResult struct {
	Outcome WriteOutcome
	// Achieved is the ack level actually reached.
	Achieved AckLevel
	// Acks is the number of replica acknowledgments observed.
	Acks int
	// Sequence and Version of the document as applied.
	Sequence Sequence
	Version  uint64
}

// --------------------------------------------------------------------------
// Features
// --------------------------------------------------------------------------

// Feature represents backend capabilities as bit flags.
type Feature uint64

const (
	FeaturePut            Feature = 1 << iota // Support for RoutePut
	FeatureConditionalPut                     // Support for conditional (CAS) writes
	FeatureGet                                // Support for GetDocument
	FeatureRangeScan                          // Support for ordered RangeScan
	FeatureReshard                            // Support for Create/DropPartition
)

func (f Feature) String() string {
	switch f {
	case FeaturePut:
		return "Put"
	case FeatureConditionalPut:
		return "ConditionalPut"
	case FeatureGet:
		return "Get"
	case FeatureRangeScan:
		return "RangeScan"
	case FeatureReshard:
		return "Reshard"
	default:
		return "Unknown"
	}
}

// BackendInfo returns metadata about a backend. It is not guaranteed that
// all fields are filled in or that the information is up-to-date.
type BackendInfo struct {
	Engine            string      `json:"engine"`
	Partitions        int         `json:"partitions"`
	Documents         int         `json:"documents"`
	SupportedFeatures []Feature   `json:"supported_features"`
	Metadata          interface{} `json:"metadata"`
}

// --------------------------------------------------------------------------
// Backend Interface
// --------------------------------------------------------------------------

// IBackend is the minimal contract PDAL requires from the external store.
// The store owns durability, replication and the per-partition sequence
// counter; PDAL layers routing, retries, write coordination and cursor
// pagination on top.
//
// Implementations can vary in their feature support, which can be queried
// with SupportsFeature.
type IBackend interface {
	// RoutePut applies a write to the given partition. It returns a typed
	// *Error with code RetCNotOwner if the partition does not own the
	// document's routing key (stale routing table), RetCRateLimited if the
	// store sheds load (optionally carrying a suggested wait) and
	// RetCWriteConcern if too few replicas are available for the requested
	// ack level.
	RoutePut(ctx context.Context, partition PartitionID, doc Document, opts PutOptions) (WriteResult, error)

	// GetDocument returns the current version of a document by ID. The
	// boolean return value indicates whether the document was found.
	GetDocument(ctx context.Context, partition PartitionID, id string) (Document, bool, error)

	// RangeScan returns up to limit documents of the partition whose
	// position is strictly greater than (afterSeq, afterID), ordered by
	// (sequence, id) ascending.
	RangeScan(ctx context.Context, partition PartitionID, afterSeq Sequence, afterID string, limit int) ([]Document, error)

	// PartitionMetadata returns the current partition ownership. The ranges
	// cover the full keyspace with no gaps and no overlaps.
	PartitionMetadata(ctx context.Context) ([]PartitionMeta, error)

	// CreatePartition registers a new, empty partition. Used by reshard.
	CreatePartition(ctx context.Context, meta PartitionMeta) error

	// DropPartition removes a partition and its documents. Used by reshard
	// after all documents were migrated to the successor partitions.
	DropPartition(ctx context.Context, partition PartitionID) error

	// SupportsFeature checks if the backend supports the specified
	// feature. Multiple features can be checked at once using the bitwise
	// OR (|) operator.
	SupportsFeature(feature Feature) bool

	// GetInfo returns information about the backend.
	GetInfo() (BackendInfo, error)

	// Close releases all resources held by the backend.
	Close() error
}
