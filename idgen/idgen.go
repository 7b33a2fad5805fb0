// Package idgen provides pluggable ID generation for redrive.
//
// Every store constructor accepts a Generator, making the ID strategy a
// startup-time decision. Entity prefixes keep IDs self-describing in logs
// and in the audit trail: "job_", "chk_", "snp_", "rec_", "sess_".
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, which keeps checkpoint and step IDs roughly chronological.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Timestamped returns a Generator producing "20060102T150405Z_<suffix>" IDs,
// used for evidence files so a directory listing sorts by capture time.
func Timestamped(gen Generator) Generator {
	return func() string {
		return time.Now().UTC().Format("20060102T150405Z") + "_" + gen()
	}
}

// Default is the redrive default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Job, Checkpoint, Snapshot, Recovery and Session are the entity-scoped
// generators used across the stores.
var (
	Job        = Prefixed("job_", Default)
	Checkpoint = Prefixed("chk_", Default)
	Snapshot   = Prefixed("snp_", Default)
	Recovery   = Prefixed("rec_", Default)
	Session    = Prefixed("sess_", Default)
)

// Parse validates a UUID string (with or without an entity prefix stripped
// by the caller) and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
