// Package capsule implements the macro-capsule wire format: the
// self-describing binary blob a domain collapses into, and the two
// authoritative hashes (invariant, statistic) that gate every expansion.
//
// Encode/Decode never touch a store or the scale engine's budget state;
// this package is the pure codec layer.
package capsule

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dreamware/dominium-scale/internal/fnvhash"
	"github.com/dreamware/dominium-scale/internal/scalemodel"
)

const (
	// Version is the only wire version this codec understands.
	Version uint32 = 1
	// SchemaTag is written verbatim into every capsule header.
	SchemaTag = "dominium.schema.macro_capsule@1.0.0"

	// ExtKeyScale1 is the required extension present on every capsule.
	ExtKeyScale1   = "dominium.scale1"
	ExtValScale1V1 = "v1"

	// ExtKeyAgentRNGSeed carries the derived reconstruction seed, decimal-encoded.
	ExtKeyAgentRNGSeed = "rng.state.noise.stream.scale.agents.reconstruct"
	// rngStreamAgentsReconstruct is the stream name folded into the seed derivation.
	rngStreamAgentsReconstruct = "noise.stream.scale.agents.reconstruct"

	// Macro-execution extension keys, updated in place on every macro event.
	ExtKeyMacroLastTick      = "dominium.scale2.macro_last_tick"
	ExtKeyMacroEvents        = "dominium.scale2.macro_events"
	ExtKeyMacroCompactedThru = "dominium.scale2.compacted_through"
	ExtKeyMacroInterval      = "dominium.scale2.macro_interval"
	ExtKeyNarrativeEvents    = "dominium.scale2.narrative_events"
)

// Invariant ids are fixed across every capsule kind.
var InvariantIDs = []string{
	"SCALE0-PROJECTION-001",
	"SCALE0-CONSERVE-002",
	"SCALE0-COMMIT-003",
	"SCALE0-DETERMINISM-004",
	"SCALE0-NO-EXNIHILO-007",
	"SCALE0-REPLAY-008",
}

// StatisticIDsFor returns the fixed statistic id set for a domain kind.
func StatisticIDsFor(kind scalemodel.DomainKind) []string {
	switch kind {
	case scalemodel.DomainResources:
		return []string{"DOM-SCALE-RESOURCE-BUCKETS"}
	case scalemodel.DomainNetwork:
		return []string{"STAT-SCALE-WEAR-DIST"}
	case scalemodel.DomainAgents:
		return []string{"DOM-SCALE-ROLE-TRAIT-DIST", "DOM-SCALE-PLANNING-HORIZON-DIST"}
	default:
		return nil
	}
}

// Capsule is the parsed, in-memory form of a macro capsule: everything a
// caller needs to decide whether expansion is admissible, without having
// to re-parse the payload.
type Capsule struct {
	Extensions    map[string]string
	DomainKind    scalemodel.DomainKind
	InvariantIDs  []string
	StatisticIDs  []string
	CapsuleID     uint64
	DomainID      uint64
	SourceTick    int64
	InvariantHash uint64
	StatisticHash uint64
	// BlobHash is a corruption-detection hash over the serialized capsule
	// bytes themselves, distinct from InvariantHash/StatisticHash which
	// hash domain content. Not authoritative for determinism; the store
	// uses it only to catch bit-rot on a round trip.
	BlobHash       uint64
	CollapseReason uint32
	SeedBase       uint32
}

// HashBlob computes the corruption-detection hash over a serialized
// capsule's bytes, via the same FNV-1a fold used throughout this package.
func HashBlob(blob []byte) uint64 {
	return fnvhash.New().WriteBytes(blob).Sum()
}

// ResourceBuckets is the bucketed-quantity summary for a Resources payload.
type ResourceBuckets struct {
	Buckets  [4]uint64
	TotalQty uint64
}

// ComputeResourceBuckets partitions quantities into [0,10) [10,100) [100,1000) [1000,inf).
func ComputeResourceBuckets(entries []scalemodel.ResourceEntry) ResourceBuckets {
	var b ResourceBuckets
	for _, e := range entries {
		b.Buckets[scalemodel.ResourceBucketIndex(e.Quantity)] += e.Quantity
		b.TotalQty += e.Quantity
	}
	return b
}

// WearAggregate is the aggregate wear distribution over a Network payload's edges.
type WearAggregate struct {
	Buckets [4]uint64
	Mean    uint64
	P95     uint32
}

// ComputeWearAggregate sums each edge's four wear buckets and derives the
// integer mean bucket index and the p95 bucket index: the bucket where the
// cumulative count first reaches ceil(0.95*total).
func ComputeWearAggregate(edges []scalemodel.NetworkEdge) WearAggregate {
	var agg WearAggregate
	for _, e := range edges {
		for i, v := range e.WearBucket {
			agg.Buckets[i] += v
		}
	}
	var total, weighted uint64
	for i, v := range agg.Buckets {
		total += v
		weighted += uint64(i) * v
	}
	if total > 0 {
		agg.Mean = weighted / total
		threshold := (total*95 + 99) / 100 // ceil(0.95*total)
		var cum uint64
		for i, v := range agg.Buckets {
			cum += v
			if cum >= threshold {
				agg.P95 = uint32(i)
				break
			}
		}
	}
	return agg
}

// RoleTraitBucket counts agents sharing a (role_id, trait_mask) pair.
type RoleTraitBucket struct {
	RoleID    uint32
	TraitMask uint64
	Count     uint64
}

// PlanningBucket counts agents sharing a planning_bucket.
type PlanningBucket struct {
	PlanningBucket uint32
	Count          uint64
}

// ComputeRoleTraitBuckets groups agents by (role_id, trait_mask), sorted.
func ComputeRoleTraitBuckets(agents []scalemodel.AgentEntry) []RoleTraitBucket {
	counts := map[[2]uint64]uint64{}
	for _, a := range agents {
		key := [2]uint64{uint64(a.RoleID), a.TraitMask}
		counts[key]++
	}
	out := make([]RoleTraitBucket, 0, len(counts))
	for k, c := range counts {
		out = append(out, RoleTraitBucket{RoleID: uint32(k[0]), TraitMask: k[1], Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleID != out[j].RoleID {
			return out[i].RoleID < out[j].RoleID
		}
		return out[i].TraitMask < out[j].TraitMask
	})
	return out
}

// ComputePlanningBuckets groups agents by planning_bucket, sorted.
func ComputePlanningBuckets(agents []scalemodel.AgentEntry) []PlanningBucket {
	counts := map[uint32]uint64{}
	for _, a := range agents {
		counts[a.PlanningBucket]++
	}
	out := make([]PlanningBucket, 0, len(counts))
	for k, c := range counts {
		out = append(out, PlanningBucket{PlanningBucket: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanningBucket < out[j].PlanningBucket })
	return out
}

// ComputeInvariantHash hashes the exact sorted domain content: domain_kind,
// source_tick, count, then each entry's key fields and values.
func ComputeInvariantHash(kind scalemodel.DomainKind, sourceTick int64, payload scalemodel.Payload) uint64 {
	h := fnvhash.New().WriteU32(uint32(kind)).WriteI64(sourceTick)
	switch p := payload.(type) {
	case *scalemodel.ResourcesPayload:
		h = h.WriteU32(uint32(len(p.Entries)))
		for _, e := range p.Entries {
			h = h.WriteU64(e.ResourceID).WriteU64(e.Quantity)
		}
	case *scalemodel.NetworkPayload:
		h = h.WriteU32(uint32(len(p.Nodes)))
		for _, n := range p.Nodes {
			h = h.WriteU64(n.NodeID).WriteU32(n.NodeKind)
		}
		h = h.WriteU32(uint32(len(p.Edges)))
		for _, e := range p.Edges {
			h = h.WriteU64(e.EdgeID).WriteU64(e.From).WriteU64(e.To).
				WriteU64(e.Capacity).WriteU64(e.Buffer)
			for _, b := range e.WearBucket {
				h = h.WriteU64(b)
			}
		}
	case *scalemodel.AgentsPayload:
		h = h.WriteU32(uint32(len(p.Agents)))
		for _, a := range p.Agents {
			h = h.WriteU64(a.AgentID).WriteU32(a.RoleID).WriteU64(a.TraitMask).WriteU32(a.PlanningBucket)
		}
	}
	return h.Sum()
}

// ComputeStatisticHash hashes domain_kind plus the bucketed distributions.
func ComputeStatisticHash(kind scalemodel.DomainKind, payload scalemodel.Payload) uint64 {
	h := fnvhash.New().WriteU32(uint32(kind))
	switch p := payload.(type) {
	case *scalemodel.ResourcesPayload:
		b := ComputeResourceBuckets(p.Entries)
		for _, v := range b.Buckets {
			h = h.WriteU64(v)
		}
		h = h.WriteU64(b.TotalQty)
	case *scalemodel.NetworkPayload:
		w := ComputeWearAggregate(p.Edges)
		for _, v := range w.Buckets {
			h = h.WriteU64(v)
		}
		h = h.WriteU64(w.Mean).WriteU32(w.P95)
	case *scalemodel.AgentsPayload:
		for _, rt := range ComputeRoleTraitBuckets(p.Agents) {
			h = h.WriteU32(rt.RoleID).WriteU64(rt.TraitMask).WriteU64(rt.Count)
		}
		for _, pb := range ComputePlanningBuckets(p.Agents) {
			h = h.WriteU32(pb.PlanningBucket).WriteU64(pb.Count)
		}
	}
	return h.Sum()
}

// DeriveAgentReconstructSeed is the single pure function the engine and the
// codec both call to turn a capsule's seed_base into the RNG seed used to
// synthesize agents on expansion: XOR the folded domain id and the hashed
// stream name into the seed, then pass the result through the splitmix64
// finalizer keyed by the domain id. Only the resulting seed is stored in a
// capsule's extensions (under ExtKeyAgentRNGSeed); the recipe itself is not.
func DeriveAgentReconstructSeed(seedBase uint32, domainID uint64) uint32 {
	adjusted := seedBase ^ fnvhash.FoldU64(domainID) ^ fnvhash.HashString32(rngStreamAgentsReconstruct)
	mixed := fnvhash.SplitMix64Finalize(uint64(adjusted) ^ domainID)
	return uint32(mixed)
}

// ParseAgentSeed extracts the decimal reconstruction seed from an agent
// capsule's extension map.
func ParseAgentSeed(ext map[string]string) (uint32, bool) {
	v, ok := ext[ExtKeyAgentRNGSeed]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// SynthesizeAgents regenerates n placeholder agents from a capsule's
// reconstruction seed. Agent ids stream deterministically from the seed;
// role, trait, and planning fields are zero — the summary distributions
// are not re-applied to individuals, so only the id set is recoverable.
func SynthesizeAgents(seed uint32, n uint64) []scalemodel.AgentEntry {
	agents := make([]scalemodel.AgentEntry, 0, n)
	state := uint64(seed)
	for i := uint64(0); i < n; i++ {
		state = fnvhash.SplitMix64Finalize(state + 0x9e3779b97f4a7c15)
		agents = append(agents, scalemodel.AgentEntry{AgentID: state})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents
}

// AgentSummary is the bucketed distribution block an agents capsule carries
// alongside (or, for a summary-only capsule, instead of) its agent list.
type AgentSummary struct {
	RoleTrait []RoleTraitBucket
	Planning  []PlanningBucket
}

// AgentCount is the number of agents the summary accounts for.
func (s *AgentSummary) AgentCount() uint64 {
	var n uint64
	for _, b := range s.RoleTrait {
		n += b.Count
	}
	return n
}

// NewExtensions builds the base extension map every capsule must carry,
// adding the agent RNG seed extension when kind is Agents.
func NewExtensions(kind scalemodel.DomainKind, seedBase uint32, domainID uint64) map[string]string {
	ext := map[string]string{ExtKeyScale1: ExtValScale1V1}
	if kind == scalemodel.DomainAgents {
		seed := DeriveAgentReconstructSeed(seedBase, domainID)
		ext[ExtKeyAgentRNGSeed] = fmt.Sprintf("%d", seed)
	}
	return ext
}

// wire helpers -----------------------------------------------------------

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI64(buf *bytes.Buffer, v int64) { writeU64(buf, uint64(v)) }

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeStringList(buf *bytes.Buffer, list []string) {
	writeU32(buf, uint32(len(list)))
	for _, s := range list {
		writeString(buf, s)
	}
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readStringList(r *bytes.Reader) ([]string, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
