// Package fleet owns the static machine inventory a queue process loads
// at startup, the priority order workers are tried in, and the dispatch
// loop that matches start events against idle workers.
package fleet

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/rat-data/remote-build-queue/internal/domain"
)

// machineFile is the on-disk shape of the fleet configuration: a
// top-level "machines" key holding a list of machine records, one per
// build machine.
type machineFile struct {
	Machines []machineEntry `yaml:"machines"`
}

type machineEntry struct {
	StoreURI          string   `yaml:"store_uri"`
	SystemTypes       []string `yaml:"system_types"`
	SupportedFeatures []string `yaml:"supported_features"`
	MandatoryFeatures []string `yaml:"mandatory_features"`
	SpeedFactor       int      `yaml:"speed_factor"`
	MaxJobs           int      `yaml:"max_jobs"`
	SSHKey            string   `yaml:"ssh_key"`
	SSHPublicHostKey  string   `yaml:"ssh_public_host_key"`
}

// LoadMachines reads and canonicalizes the machine fleet from a YAML
// file. Each machine's system types are sorted and deduplicated exactly
// once here, per the load-time invariant the matching and priority code
// relies on.
func LoadMachines(path string) ([]domain.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet config %s: %w", path, err)
	}

	var file machineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing fleet config %s: %w", path, err)
	}

	machines := make([]domain.Machine, 0, len(file.Machines))
	for i, m := range file.Machines {
		if m.StoreURI == "" {
			return nil, fmt.Errorf("fleet config %s: machine %d missing store_uri", path, i)
		}
		if m.MaxJobs < 1 {
			return nil, fmt.Errorf("fleet config %s: machine %s: max_jobs must be >= 1", path, m.StoreURI)
		}
		machines = append(machines, domain.Machine{
			StoreURI:          m.StoreURI,
			SystemTypes:       domain.CanonicalSystemTypes(m.SystemTypes),
			SupportedFeatures: m.SupportedFeatures,
			MandatoryFeatures: m.MandatoryFeatures,
			SpeedFactor:       m.SpeedFactor,
			MaxJobs:           m.MaxJobs,
			SSHKey:            m.SSHKey,
			SSHPublicHostKey:  m.SSHPublicHostKey,
		})
	}

	return machines, nil
}

// CanBuild reports whether machine may be dispatched job, per the match
// predicate: the job's system must be "builtin" or one of the machine's
// system types, the job's required features must all be supported, and
// the machine's mandatory features must all be present in the job's
// required features.
func CanBuild(m domain.Machine, j domain.Job) bool {
	systemOK := j.System == "builtin"
	if !systemOK {
		for _, s := range m.SystemTypes {
			if s == j.System {
				systemOK = true
				break
			}
		}
	}
	if !systemOK {
		return false
	}

	required := domain.NewStringSet(j.RequiredFeatures)
	supported := domain.NewStringSet(m.SupportedFeatures)
	mandatory := domain.NewStringSet(m.MandatoryFeatures)

	return required.SubsetOf(supported) && mandatory.SubsetOf(required)
}

// Less implements the corrected priority_lt: a sorts before b (a is
// tried first) when a has strictly better characteristics than b across
// every dimension. The source's own predicate computes the conjunction
// of "a ≥ b" clauses, which can only ever order two machines as equal or
// leave both false — it cannot express a strict order. This is the
// conjunction of strict "<" clauses the design notes call the likely
// intended semantics, read as "a is at least as good as b, and strictly
// better in at least one respect" would be a different (partial) order;
// here we implement the literal corrected predicate: every scalar
// dimension (system types, speed factor, max jobs, store URI, host key,
// SSH key) strictly favors a, and on the two feature sets a's mandatory
// features are a subset of b's and a's supported features a superset of
// b's (equal sets satisfy both).
func Less(a, b domain.Machine) bool {
	return lexLess(a.SystemTypes, b.SystemTypes) &&
		domain.NewStringSet(a.MandatoryFeatures).SubsetOf(domain.NewStringSet(b.MandatoryFeatures)) &&
		domain.NewStringSet(b.SupportedFeatures).SubsetOf(domain.NewStringSet(a.SupportedFeatures)) &&
		a.SpeedFactor > b.SpeedFactor &&
		a.MaxJobs > b.MaxJobs &&
		a.StoreURI < b.StoreURI &&
		a.SSHPublicHostKey < b.SSHPublicHostKey &&
		a.SSHKey < b.SSHKey
}

// lexLess is the lexicographic comparison the original predicate uses on
// canonicalized system-type slices.
func lexLess(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// SortByPriority returns a copy of machines ordered by Less. Sort
// stability is not required, matching the source's own contract.
func SortByPriority(machines []domain.Machine) []domain.Machine {
	out := append([]domain.Machine(nil), machines...)
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
