// Package store owns the deduplicated, time-indexed collection of statuses.
//
// Every backend implements Engine with the same semantics: records are keyed
// by (source id, unix second), duplicates are resolved by the configured
// DupeStrategy, and range queries return ascending timestamps. Engines are not
// safe for concurrent use; Service gives them a single owner.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"geotrack-svr/internal/codec"
)

var (
	ErrUnknownDupeStrategy = errors.New("unknown duplicate strategy")
	ErrUnknownStorageType  = errors.New("unknown storage type")
)

// StorageError wraps a backend failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Engine is the contract shared by all storage backends.
type Engine interface {
	// PersistStatus inserts s or resolves it against an existing record with
	// the same key.
	PersistStatus(ctx context.Context, s codec.Status) error
	// GetStatuses returns the records of id inside r, oldest first. An unknown
	// id yields an empty result.
	GetStatuses(ctx context.Context, id codec.SourceID, r TimeRange) ([]codec.Status, error)
	Close() error
}

/* =======================================================================
                        DUPLICATE STRATEGY
======================================================================= */

// DupeStrategy decides what happens when a status arrives for a key that is
// already stored.
type DupeStrategy int

const (
	// DupeMerge adds the fields of the new packet to the stored one.
	DupeMerge DupeStrategy = iota
	// DupeDrop keeps the stored packet and discards the new one.
	DupeDrop
	// DupeOverwrite replaces the stored packet.
	DupeOverwrite
)

func ParseDupeStrategy(s string) (DupeStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "merge":
		return DupeMerge, nil
	case "drop":
		return DupeDrop, nil
	case "overwrite":
		return DupeOverwrite, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDupeStrategy, s)
}

func (d DupeStrategy) String() string {
	switch d {
	case DupeMerge:
		return "merge"
	case DupeDrop:
		return "drop"
	case DupeOverwrite:
		return "overwrite"
	}
	return fmt.Sprintf("DupeStrategy(%d)", int(d))
}

// Resolve returns the value to keep for a key given the stored record (if
// any) and the incoming one. changed is false when nothing must be written.
func (d DupeStrategy) Resolve(existing *codec.Status, incoming codec.Status) (resolved codec.Status, changed bool) {
	if existing == nil {
		return incoming, true
	}
	switch d {
	case DupeDrop:
		return *existing, false
	case DupeOverwrite:
		return incoming, true
	default:
		return existing.Merge(incoming), true
	}
}

/* =======================================================================
                            BACKENDS
======================================================================= */

// BackendKind selects the storage engine.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendRedis  BackendKind = "redis"
	BackendDisk   BackendKind = "disk"
)

const (
	DefaultRedisAddr = "localhost:6379"
	DefaultDiskPath  = "./geotrack_data"
)

// Backend is a parsed storage selection: "memory", "redis[:addr]" or
// "disk[:dir]".
type Backend struct {
	Kind BackendKind
	// Target is the redis address or the disk directory.
	Target string
}

func ParseBackend(s string) (Backend, error) {
	s = strings.TrimSpace(s)
	name, target, _ := strings.Cut(s, ":")
	switch BackendKind(strings.ToLower(name)) {
	case BackendMemory:
		if target != "" {
			return Backend{}, fmt.Errorf("%w: %q (memory takes no argument)", ErrUnknownStorageType, s)
		}
		return Backend{Kind: BackendMemory}, nil
	case BackendRedis:
		if target == "" {
			target = DefaultRedisAddr
		}
		return Backend{Kind: BackendRedis, Target: target}, nil
	case BackendDisk:
		if target == "" {
			target = DefaultDiskPath
		}
		return Backend{Kind: BackendDisk, Target: target}, nil
	}
	return Backend{}, fmt.Errorf("%w: %q", ErrUnknownStorageType, s)
}

func (b Backend) String() string {
	if b.Target == "" {
		return string(b.Kind)
	}
	return string(b.Kind) + ":" + b.Target
}

// Open builds the engine selected by b.
func Open(ctx context.Context, b Backend, dupes DupeStrategy) (Engine, error) {
	switch b.Kind {
	case BackendMemory, "":
		return NewMemory(dupes), nil
	case BackendRedis:
		return OpenRedis(ctx, RedisOptions{Addr: b.Target}, dupes)
	case BackendDisk:
		return OpenDisk(b.Target, dupes)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStorageType, b.Kind)
}
