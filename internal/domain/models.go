// Package domain defines the core types shared across the enqueue and
// queue executables: the job a build driver wants built, and the static
// machine fleet a queue process dispatches jobs onto.
package domain

import (
	"sort"

	"github.com/google/uuid"
)

// Job is one derivation build request. It is created by a start event and
// never mutated; it is logically destroyed when its final event (fail or
// an implicit success) is written, which is the schema's concern, not
// this package's.
type Job struct {
	ID uuid.UUID

	// Drv is the opaque derivation path the driver wants built.
	Drv string

	// System is the target platform tag, or the literal "builtin" meaning
	// any machine may build it.
	System string

	// RequiredFeatures is the set of opaque feature tags the chosen
	// machine must support, and whose absence is otherwise a hard block
	// on any machine declaring a mandatory feature not in this set.
	RequiredFeatures []string
}

// Machine is a statically loaded fleet record. Machines are created once
// at queue startup from external configuration and never mutated.
type Machine struct {
	// StoreURI is opaque, typically "ssh://…" or "ssh-ng://…".
	StoreURI string

	// SystemTypes is sorted and deduplicated once, at load time — see
	// CanonicalSystemTypes.
	SystemTypes []string

	SupportedFeatures []string
	MandatoryFeatures []string

	SpeedFactor int
	MaxJobs     int

	SSHKey           string
	SSHPublicHostKey string
}

// CanonicalSystemTypes returns a sorted, deduplicated copy of SystemTypes.
// Machine loading must call this once; comparisons and matching rely on
// the invariant that SystemTypes is already canonical.
func CanonicalSystemTypes(types []string) []string {
	out := make([]string, len(types))
	copy(out, types)
	sort.Strings(out)
	n := 0
	for i, t := range out {
		if i == 0 || out[i-1] != t {
			out[n] = t
			n++
		}
	}
	return out[:n]
}

// FatalError pairs a worker failure with the machine it happened on, the
// shape pushed to the queue process's fatal-watcher task. The first one
// received terminates the process.
type FatalError struct {
	Machine Machine
	Err     error
}

func (e FatalError) Error() string {
	return e.Machine.StoreURI + ": " + e.Err.Error()
}

func (e FatalError) Unwrap() error { return e.Err }

// StringSet is a small helper for the set-membership checks can_build and
// priority_lt require, kept minimal on purpose: all current callers carry
// string slices that are small (feature tags, system types) so a map
// allocation per comparison is cheap and the code stays readable.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from a slice.
func NewStringSet(items []string) StringSet {
	s := make(StringSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// Contains reports whether item is a member.
func (s StringSet) Contains(item string) bool {
	_, ok := s[item]
	return ok
}

// SubsetOf reports whether every element of s is also in other.
func (s StringSet) SubsetOf(other StringSet) bool {
	for k := range s {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}
