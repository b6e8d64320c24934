// Package scalemodel defines the domain data model shared by every layer of
// the scale engine: the three domain kinds (resources, network, agents),
// their sorted-by-key payload shapes, fidelity tiers, and the commit token
// that gates every mutating call.
//
// Nothing here performs I/O or serialization — that is the Capsule Codec's
// job (internal/capsule). This package only defines the in-memory shapes
// and the invariants ("sorted by natural key") that every other package
// relies on without re-checking.
package scalemodel

import (
	"sort"

	"github.com/dreamware/dominium-scale/internal/fnvhash"
)

// DomainKind identifies which of the three supported domain shapes a
// Domain carries. New kinds are new named constants plus a new Payload
// implementation and codec case — never an open extension point.
type DomainKind uint32

const (
	DomainUnknown DomainKind = iota
	DomainResources
	DomainNetwork
	DomainAgents
)

func (k DomainKind) String() string {
	switch k {
	case DomainResources:
		return "RESOURCES"
	case DomainNetwork:
		return "NETWORK"
	case DomainAgents:
		return "AGENTS"
	default:
		return "UNKNOWN"
	}
}

// Supported reports whether the engine can collapse/expand this kind.
func (k DomainKind) Supported() bool {
	switch k {
	case DomainResources, DomainNetwork, DomainAgents:
		return true
	default:
		return false
	}
}

// FidelityTier is a domain's current expansion level.
type FidelityTier uint32

const (
	TierLatent FidelityTier = iota
	TierMeso
	TierMicro
)

func (t FidelityTier) String() string {
	switch t {
	case TierLatent:
		return "LATENT"
	case TierMeso:
		return "MESO"
	case TierMicro:
		return "MICRO"
	default:
		return "UNKNOWN"
	}
}

// IsTier2 reports whether the tier counts against the tier2 (MICRO) budget.
func (t FidelityTier) IsTier2() bool { return t >= TierMicro }

// IsTier1 reports whether the tier counts against the tier1 (MESO) budget.
func (t FidelityTier) IsTier1() bool { return t == TierMeso }

// CommitToken gates every mutating engine call: the caller must present
// the tick it computed its intent for, and the engine refuses the call
// outright if that tick no longer matches its own clock. Nonce is a pure
// function of Tick so a token cannot be forged for a tick the caller
// never actually observed the engine to be at.
type CommitToken struct {
	Tick  int64
	Nonce uint64
}

// NewCommitToken mints a token for tick, with Nonce derived deterministically.
func NewCommitToken(tick int64) CommitToken {
	return CommitToken{Tick: tick, Nonce: nonceForTick(tick)}
}

// Valid reports whether the token is well-formed for nowTick.
func (t CommitToken) Valid(nowTick int64) bool {
	return t.Tick == nowTick && t.Nonce == nonceForTick(t.Tick)
}

func nonceForTick(tick int64) uint64 {
	return fnvhash.New().WriteI64(tick).Sum()
}

// ResourceEntry is one (resource_id, quantity) pair in a Resources domain.
type ResourceEntry struct {
	ResourceID uint64
	Quantity   uint64
}

// NetworkNode is one node in a Network domain.
type NetworkNode struct {
	NodeID   uint64
	NodeKind uint32
}

// NetworkEdge is one edge in a Network domain, with four wear buckets
// tracking the distribution of wear events observed on that edge.
type NetworkEdge struct {
	EdgeID     uint64
	From       uint64
	To         uint64
	Capacity   uint64
	Buffer     uint64
	WearBucket [4]uint64
}

// AgentEntry is one agent in an Agents domain.
type AgentEntry struct {
	AgentID        uint64
	RoleID         uint32
	TraitMask      uint64
	PlanningBucket uint32
}

// Payload is the tagged variant of domain-kind-specific content. The codec
// and hash functions dispatch on Kind(); there is no open extension point.
type Payload interface {
	Kind() DomainKind
}

// ResourcesPayload holds a sorted-by-resource_id set of resource entries.
type ResourcesPayload struct {
	Entries []ResourceEntry
}

func (ResourcesPayload) Kind() DomainKind { return DomainResources }

// SortEntries restores the sorted-by-resource_id invariant after mutation.
func (p *ResourcesPayload) SortEntries() {
	sort.Slice(p.Entries, func(i, j int) bool {
		return p.Entries[i].ResourceID < p.Entries[j].ResourceID
	})
}

// NetworkPayload holds sorted-by-node_id nodes and sorted-by-edge_id edges.
type NetworkPayload struct {
	Nodes []NetworkNode
	Edges []NetworkEdge
}

func (NetworkPayload) Kind() DomainKind { return DomainNetwork }

// SortAll restores the sorted-by-natural-key invariant for both slices.
func (p *NetworkPayload) SortAll() {
	sort.Slice(p.Nodes, func(i, j int) bool { return p.Nodes[i].NodeID < p.Nodes[j].NodeID })
	sort.Slice(p.Edges, func(i, j int) bool { return p.Edges[i].EdgeID < p.Edges[j].EdgeID })
}

// AgentsPayload holds a sorted-by-agent_id set of agents.
type AgentsPayload struct {
	Agents []AgentEntry
}

func (AgentsPayload) Kind() DomainKind { return DomainAgents }

// SortAgents restores the sorted-by-agent_id invariant after mutation.
func (p *AgentsPayload) SortAgents() {
	sort.Slice(p.Agents, func(i, j int) bool { return p.Agents[i].AgentID < p.Agents[j].AgentID })
}

// Domain is a single simulation domain: a stable id, kind, fidelity tier,
// and its kind-specific payload. Payload is nil while Tier is TierLatent
// and the domain's detail lives only in the capsule store.
type Domain struct {
	Payload            Payload
	ID                 uint64
	Kind               DomainKind
	Tier               FidelityTier
	LastTransitionTick int64
	CapsuleID          uint64
	// Interest is the external interest-application signal (LATENT/WARM/HOT)
	// that decides which tier a domain should be driven toward; it is not
	// domain content and is deliberately excluded from ContentHash.
	Interest InterestState
}

// InterestState is the external collaborator's region-interest signal that
// the engine's interest-application step translates into a target tier.
type InterestState uint32

const (
	InterestLatent InterestState = iota
	InterestWarm
	InterestHot
)

func (s InterestState) String() string {
	switch s {
	case InterestWarm:
		return "WARM"
	case InterestHot:
		return "HOT"
	default:
		return "LATENT"
	}
}

// TargetTier maps an interest state to the tier the engine should drive
// the domain toward: HOT->MICRO, WARM->MESO, else LATENT.
func (s InterestState) TargetTier() FidelityTier {
	switch s {
	case InterestHot:
		return TierMicro
	case InterestWarm:
		return TierMeso
	default:
		return TierLatent
	}
}

// ContentHash computes a deterministic FNV-1a 64 hash over the domain's
// exact sorted content plus the tick and worker_count hashing parameters.
// Worker count is declarative: the engine is single-threaded, but folding
// the configured value in means the hash surface matches across any
// worker-count configuration.
func (d *Domain) ContentHash(tick int64, workerCount uint32) uint64 {
	h := fnvhash.New().
		WriteU64(d.ID).
		WriteU32(uint32(d.Kind)).
		WriteI64(tick).
		WriteU32(workerCount)
	if d.Payload == nil {
		return h.Sum()
	}
	switch p := d.Payload.(type) {
	case *ResourcesPayload:
		h = h.WriteU32(uint32(len(p.Entries)))
		for _, e := range p.Entries {
			h = h.WriteU64(e.ResourceID).WriteU64(e.Quantity)
		}
	case *NetworkPayload:
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
	case *AgentsPayload:
		h = h.WriteU32(uint32(len(p.Agents)))
		for _, a := range p.Agents {
			h = h.WriteU64(a.AgentID).WriteU32(a.RoleID).WriteU64(a.TraitMask).WriteU32(a.PlanningBucket)
		}
	}
	return h.Sum()
}

// ResourceBucketIndex maps a quantity to its bucket per the wire format's
// partition [0,10) [10,100) [100,1000) [1000,inf).
func ResourceBucketIndex(qty uint64) int {
	switch {
	case qty < 10:
		return 0
	case qty < 100:
		return 1
	case qty < 1000:
		return 2
	default:
		return 3
	}
}
