// Package ioerr implements the stable error taxonomy used across pool,
// lvol, nexus, rebuild and share operations.
//
// Rust originals in the teacher's source tree model this with a variant
// enum per source::Context (snafu); Go has no sum types, so each distinct
// variant becomes a Kind constant carried alongside a message and an
// optional wrapped cause on a single Error struct. Callers that need to
// branch on kind use errors.As plus Error.Is, and %w-unwrapping still
// reaches the original cause for logging.
package ioerr

import (
	"errors"
	"fmt"
)

// Kind is one leaf of the error taxonomy described by the RPC status
// mapping table: Resource, Validation, State, I/O, External, Internal.
type Kind string

const (
	// Resource
	NotFound     Kind = "not_found"
	AlreadyExist Kind = "already_exists"
	Busy         Kind = "busy"
	Exhausted    Kind = "exhausted"

	// Validation
	InvalidArgument     Kind = "invalid_argument"
	InvalidURI          Kind = "invalid_uri"
	InvalidKey          Kind = "invalid_key"
	UUIDParse           Kind = "uuid_parse"
	InvalidShareProto   Kind = "invalid_share_protocol"
	InvalidAnaState     Kind = "invalid_ana_state"
	MixedBlockSizes     Kind = "mixed_block_sizes"
	ChildGeometry       Kind = "child_geometry"

	// State
	NexusCreate             Kind = "nexus_create"
	NexusInitialising       Kind = "nexus_initialising"
	NexusIncomplete         Kind = "nexus_incomplete"
	AlreadyShared           Kind = "already_shared"
	NotShared               Kind = "not_shared"
	DestroyLastChild        Kind = "destroy_last_child"
	FaultingLastHealthyChild Kind = "faulting_last_healthy_child"
	PauseInUnpausing        Kind = "pause_in_unpausing"

	// I/O
	ReadError    Kind = "read_error"
	WriteError   Kind = "write_error"
	FlushFailed  Kind = "flush_failed"
	Timeout      Kind = "timeout"
	OpenChild    Kind = "open_child"
	CloseChild   Kind = "close_child"
	CreateChild  Kind = "create_child"
	DestroyChild Kind = "destroy_child"

	// External
	PersistentStoreConnect     Kind = "persistent_store_connect"
	PersistentStoreGet         Kind = "persistent_store_get"
	PersistentStorePut         Kind = "persistent_store_put"
	PersistentStoreDelete      Kind = "persistent_store_delete"
	PersistentStoreTxn         Kind = "persistent_store_txn"
	PersistentStoreSerialise   Kind = "persistent_store_serialise"
	PersistentStoreDeserialise Kind = "persistent_store_deserialise"
	PersistentStoreMissing     Kind = "persistent_store_missing_entry"
	SubsystemNvmf              Kind = "subsystem_nvmf"

	// Internal
	Cancelled Kind = "cancelled"
	Panicked  Kind = "panicked"

	// Out-of-range is carried for completeness of the RPC status table
	// even though no component currently returns it.
	OutOfRange Kind = "out_of_range"

	// Rebuild-engine specific kinds (§4.E), layered onto the same taxonomy.
	JobAlreadyExists    Kind = "job_already_exists"
	JobNotFound         Kind = "job_not_found"
	NoCopyBuffer        Kind = "no_copy_buffer"
	InvalidSrcDstRange  Kind = "invalid_src_dst_range"
	InvalidMapRange     Kind = "invalid_map_range"
	SameBdev            Kind = "same_bdev"
	NoBdevHandle        Kind = "no_bdev_handle"
	BdevNotFound        Kind = "bdev_not_found"
	BdevInvalidURI      Kind = "bdev_invalid_uri"
	RebuildTasksChannel Kind = "rebuild_tasks_channel"
)

// Error wraps a Kind, a message, and an optional root cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that chains an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// RPCStatus is the canonical status name a translator maps this Kind to;
// the translator itself (and any actual RPC transport) lives outside this
// repository.
func RPCStatus(kind Kind) string {
	switch kind {
	case NotFound, JobNotFound, BdevNotFound:
		return "not_found"
	case AlreadyExist, JobAlreadyExists, AlreadyShared:
		return "already_exists"
	case Busy:
		return "failed_precondition"
	case Exhausted, NoCopyBuffer:
		return "resource_exhausted"
	case OutOfRange:
		return "out_of_range"
	case Cancelled:
		return "cancelled"
	case Internal, Panicked:
		return "internal"
	default:
		return "invalid_argument"
	}
}

// Internal is the catch-all Kind for unexpected conditions that have no
// more specific taxonomy entry (mirrors the RPC status mapping's
// "Internal/Panicked -> internal" row).
const Internal Kind = "internal"
