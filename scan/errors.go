package scan

import "errors"

// Status is the outcome reported to the caller of Ingest.
type Status uint8

const (
	Accepted Status = iota
	RedundantFragment
	UnexpectedProducer
	// Rejected covers structurally invalid bundles; they never reach matching.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case RedundantFragment:
		return "redundant"
	case UnexpectedProducer:
		return "unexpected"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	ErrUnexpectedProducer = errors.New("scan: bundle from inactive crate")
	ErrRedundantFragment  = errors.New("scan: crate already received for scan")
	ErrRejected           = errors.New("scan: invalid bundle")
)

// EvictReason explains why a scan left the registry without being written.
type EvictReason uint8

const (
	StaleScanEvicted EvictReason = iota
	CapacityEvicted
)

func (r EvictReason) String() string {
	switch r {
	case StaleScanEvicted:
		return "stale"
	case CapacityEvicted:
		return "capacity"
	default:
		return "unknown"
	}
}
