package capsule

import (
	"bytes"
	"errors"
	"sort"

	"github.com/dreamware/dominium-scale/internal/scalemodel"
)

// Decode/Encode failure kinds. These are never panics; every parse failure
// surfaces through one of these sentinels so a caller can distinguish a
// truncated blob from a version it simply doesn't understand yet.
var (
	ErrTruncated      = errors.New("capsule: truncated blob")
	ErrTrailingBytes  = errors.New("capsule: trailing bytes after payload")
	ErrUnknownVersion = errors.New("capsule: unknown version")
	ErrUnknownKind    = errors.New("capsule: unknown domain kind")
)

// Encode serializes domain's payload at sourceTick into a self-describing
// capsule blob, computing both authoritative hashes over the exact content.
// extensions is copied and augmented with the mandatory dominium.scale1 key
// (and, for agent domains, the RNG reconstruction seed) if not already present.
func Encode(domain *scalemodel.Domain, sourceTick int64, collapseReason uint32, capsuleID uint64, seedBase uint32, extensions map[string]string) ([]byte, Capsule, error) {
	if !domain.Kind.Supported() {
		return nil, Capsule{}, ErrUnknownKind
	}
	merged := map[string]string{}
	for k, v := range NewExtensions(domain.Kind, seedBase, domain.ID) {
		merged[k] = v
	}
	for k, v := range extensions {
		merged[k] = v
	}

	cap := Capsule{
		CapsuleID:      capsuleID,
		DomainID:       domain.ID,
		DomainKind:     domain.Kind,
		SourceTick:     sourceTick,
		CollapseReason: collapseReason,
		SeedBase:       seedBase,
		InvariantHash:  ComputeInvariantHash(domain.Kind, sourceTick, domain.Payload),
		StatisticHash:  ComputeStatisticHash(domain.Kind, domain.Payload),
		InvariantIDs:   InvariantIDs,
		StatisticIDs:   StatisticIDsFor(domain.Kind),
		Extensions:     merged,
	}

	var payloadBuf bytes.Buffer
	writePayload(&payloadBuf, domain.Kind, domain.Payload)

	blob := assembleBlob(&cap, payloadBuf.Bytes())
	return blob, cap, nil
}

// EncodeAgentSummary serializes an agents domain in summary-only form: the
// agent list is dropped from the payload and only the role/trait and
// planning distributions survive, so expansion must resynthesize agents
// from the seed extension. The stored hashes are computed over that
// deterministic reconstruction — SynthesizeAgents applied to the derived
// seed — so a Decode-then-synthesize round trip verifies cleanly; the
// statistic hash therefore describes the synthesized agents, not the
// summarized distributions written into the payload block.
func EncodeAgentSummary(domain *scalemodel.Domain, sourceTick int64, collapseReason uint32, capsuleID uint64, seedBase uint32, extensions map[string]string) ([]byte, Capsule, error) {
	if domain.Kind != scalemodel.DomainAgents {
		return nil, Capsule{}, ErrUnknownKind
	}
	p, _ := domain.Payload.(*scalemodel.AgentsPayload)
	var agents []scalemodel.AgentEntry
	if p != nil {
		agents = p.Agents
	}
	merged := map[string]string{}
	for k, v := range NewExtensions(domain.Kind, seedBase, domain.ID) {
		merged[k] = v
	}
	for k, v := range extensions {
		merged[k] = v
	}

	seed := DeriveAgentReconstructSeed(seedBase, domain.ID)
	synth := &scalemodel.AgentsPayload{Agents: SynthesizeAgents(seed, uint64(len(agents)))}

	cap := Capsule{
		CapsuleID:      capsuleID,
		DomainID:       domain.ID,
		DomainKind:     domain.Kind,
		SourceTick:     sourceTick,
		CollapseReason: collapseReason,
		SeedBase:       seedBase,
		InvariantHash:  ComputeInvariantHash(domain.Kind, sourceTick, synth),
		StatisticHash:  ComputeStatisticHash(domain.Kind, synth),
		InvariantIDs:   InvariantIDs,
		StatisticIDs:   StatisticIDsFor(domain.Kind),
		Extensions:     merged,
	}

	var payloadBuf bytes.Buffer
	writeU32(&payloadBuf, 0) // agent list dropped; summaries carry the count
	rt := ComputeRoleTraitBuckets(agents)
	writeU32(&payloadBuf, uint32(len(rt)))
	for _, b := range rt {
		writeU32(&payloadBuf, b.RoleID)
		writeU64(&payloadBuf, b.TraitMask)
		writeU64(&payloadBuf, b.Count)
	}
	pb := ComputePlanningBuckets(agents)
	writeU32(&payloadBuf, uint32(len(pb)))
	for _, b := range pb {
		writeU32(&payloadBuf, b.PlanningBucket)
		writeU64(&payloadBuf, b.Count)
	}

	blob := assembleBlob(&cap, payloadBuf.Bytes())
	return blob, cap, nil
}

// assembleBlob frames the header, payload, and extension block into the
// final wire blob and stamps cap.BlobHash over the result.
func assembleBlob(cap *Capsule, payload []byte) []byte {
	var extBuf bytes.Buffer
	writeExtensions(&extBuf, cap.Extensions)

	var out bytes.Buffer
	writeU32(&out, Version)
	writeString(&out, SchemaTag)
	writeU64(&out, cap.CapsuleID)
	writeU64(&out, cap.DomainID)
	writeU32(&out, uint32(cap.DomainKind))
	writeI64(&out, cap.SourceTick)
	writeU32(&out, cap.CollapseReason)
	writeU32(&out, cap.SeedBase)
	writeU64(&out, cap.InvariantHash)
	writeU64(&out, cap.StatisticHash)
	writeStringList(&out, cap.InvariantIDs)
	writeStringList(&out, cap.StatisticIDs)
	writeU32(&out, uint32(extBuf.Len()))
	out.Write(payload)
	out.Write(extBuf.Bytes())

	blob := out.Bytes()
	cap.BlobHash = HashBlob(blob)
	return blob
}

// Decoded is the result of parsing a capsule blob: the header summary plus
// the reconstructed payload.
type Decoded struct {
	Capsule Capsule
	Payload scalemodel.Payload

	// StoredWearAggregate is the wear-bucket aggregate that was serialized
	// into the blob at Encode time, for Network payloads only. The scale
	// engine compares it, with tolerance, against the aggregate recomputed
	// from the reconstructed edges at expand time — a reconstruction-path
	// check distinct from the exact invariant/statistic hash comparison.
	StoredWearAggregate *WearAggregate

	// StoredAgentSummary is the role/trait and planning distribution block
	// serialized after an Agents payload's agent list. When the list itself
	// is empty but the summary accounts for N agents, the scale engine
	// synthesizes N agents from the capsule's seed extension at expand time.
	StoredAgentSummary *AgentSummary
}

// Decode parses a capsule blob produced by Encode. It rejects truncated or
// trailing bytes and an unrecognized version, but does not itself compare
// the stored hashes against a recomputation — that is the scale engine's
// job, since only it knows whether a mismatch should be a refusal.
func Decode(blob []byte) (Decoded, error) {
	r := bytes.NewReader(blob)
	version, err := readU32(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	if version != Version {
		return Decoded{}, ErrUnknownVersion
	}
	if _, err := readString(r); err != nil { // schema_tag, informational only
		return Decoded{}, ErrTruncated
	}
	capsuleID, err := readU64(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	domainID, err := readU64(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	kindRaw, err := readU32(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	kind := scalemodel.DomainKind(kindRaw)
	sourceTick, err := readI64(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	collapseReason, err := readU32(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	seedBase, err := readU32(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	invariantHash, err := readU64(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	statisticHash, err := readU64(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	invariantIDs, err := readStringList(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	statisticIDs, err := readStringList(r)
	if err != nil {
		return Decoded{}, ErrTruncated
	}
	if _, err := readU32(r); err != nil { // extension_len, advisory only
		return Decoded{}, ErrTruncated
	}

	payload, storedWear, storedAgents, err := readPayload(r, kind)
	if err != nil {
		return Decoded{}, err
	}

	extensions, err := readExtensions(r)
	if err != nil {
		return Decoded{}, err
	}

	if r.Len() != 0 {
		return Decoded{}, ErrTrailingBytes
	}

	return Decoded{
		Capsule: Capsule{
			CapsuleID:      capsuleID,
			DomainID:       domainID,
			DomainKind:     kind,
			SourceTick:     sourceTick,
			CollapseReason: collapseReason,
			SeedBase:       seedBase,
			InvariantHash:  invariantHash,
			StatisticHash:  statisticHash,
			InvariantIDs:   invariantIDs,
			StatisticIDs:   statisticIDs,
			Extensions:     extensions,
			BlobHash:       HashBlob(blob),
		},
		Payload:             payload,
		StoredWearAggregate: storedWear,
		StoredAgentSummary:  storedAgents,
	}, nil
}

func writePayload(buf *bytes.Buffer, kind scalemodel.DomainKind, payload scalemodel.Payload) {
	switch kind {
	case scalemodel.DomainResources:
		p, _ := payload.(*scalemodel.ResourcesPayload)
		var entries []scalemodel.ResourceEntry
		if p != nil {
			entries = p.Entries
		}
		writeU32(buf, uint32(len(entries)))
		for _, e := range entries {
			writeU64(buf, e.ResourceID)
			writeU64(buf, e.Quantity)
		}
		b := ComputeResourceBuckets(entries)
		for _, v := range b.Buckets {
			writeU64(buf, v)
		}
		writeU64(buf, b.TotalQty)

	case scalemodel.DomainNetwork:
		p, _ := payload.(*scalemodel.NetworkPayload)
		var nodes []scalemodel.NetworkNode
		var edges []scalemodel.NetworkEdge
		if p != nil {
			nodes, edges = p.Nodes, p.Edges
		}
		writeU32(buf, uint32(len(nodes)))
		for _, n := range nodes {
			writeU64(buf, n.NodeID)
			writeU32(buf, n.NodeKind)
		}
		writeU32(buf, uint32(len(edges)))
		for _, e := range edges {
			writeU64(buf, e.EdgeID)
			writeU64(buf, e.From)
			writeU64(buf, e.To)
			writeU64(buf, e.Capacity)
			writeU64(buf, e.Buffer)
			for _, w := range e.WearBucket {
				writeU64(buf, w)
			}
		}
		agg := ComputeWearAggregate(edges)
		for _, v := range agg.Buckets {
			writeU64(buf, v)
		}
		writeU64(buf, agg.Mean)
		writeU32(buf, agg.P95)

	case scalemodel.DomainAgents:
		p, _ := payload.(*scalemodel.AgentsPayload)
		var agents []scalemodel.AgentEntry
		if p != nil {
			agents = p.Agents
		}
		writeU32(buf, uint32(len(agents)))
		for _, a := range agents {
			writeU64(buf, a.AgentID)
			writeU32(buf, a.RoleID)
			writeU64(buf, a.TraitMask)
			writeU32(buf, a.PlanningBucket)
		}
		rt := ComputeRoleTraitBuckets(agents)
		writeU32(buf, uint32(len(rt)))
		for _, b := range rt {
			writeU32(buf, b.RoleID)
			writeU64(buf, b.TraitMask)
			writeU64(buf, b.Count)
		}
		pb := ComputePlanningBuckets(agents)
		writeU32(buf, uint32(len(pb)))
		for _, b := range pb {
			writeU32(buf, b.PlanningBucket)
			writeU64(buf, b.Count)
		}
	}
}

func readPayload(r *bytes.Reader, kind scalemodel.DomainKind) (scalemodel.Payload, *WearAggregate, *AgentSummary, error) {
	switch kind {
	case scalemodel.DomainResources:
		count, err := readU32(r)
		if err != nil {
			return nil, nil, nil, ErrTruncated
		}
		entries := make([]scalemodel.ResourceEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			id, err := readU64(r)
			if err != nil {
				return nil, nil, nil, ErrTruncated
			}
			qty, err := readU64(r)
			if err != nil {
				return nil, nil, nil, ErrTruncated
			}
			entries = append(entries, scalemodel.ResourceEntry{ResourceID: id, Quantity: qty})
		}
		for i := 0; i < 5; i++ { // bucket0..3 + total_qty
			if _, err := readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
		}
		return &scalemodel.ResourcesPayload{Entries: entries}, nil, nil, nil

	case scalemodel.DomainNetwork:
		nodeCount, err := readU32(r)
		if err != nil {
			return nil, nil, nil, ErrTruncated
		}
		nodes := make([]scalemodel.NetworkNode, 0, nodeCount)
		for i := uint32(0); i < nodeCount; i++ {
			id, err := readU64(r)
			if err != nil {
				return nil, nil, nil, ErrTruncated
			}
			nk, err := readU32(r)
			if err != nil {
				return nil, nil, nil, ErrTruncated
			}
			nodes = append(nodes, scalemodel.NetworkNode{NodeID: id, NodeKind: nk})
		}
		edgeCount, err := readU32(r)
		if err != nil {
			return nil, nil, nil, ErrTruncated
		}
		edges := make([]scalemodel.NetworkEdge, 0, edgeCount)
		for i := uint32(0); i < edgeCount; i++ {
			var e scalemodel.NetworkEdge
			if e.EdgeID, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if e.From, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if e.To, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if e.Capacity, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if e.Buffer, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			for j := 0; j < 4; j++ {
				if e.WearBucket[j], err = readU64(r); err != nil {
					return nil, nil, nil, ErrTruncated
				}
			}
			edges = append(edges, e)
		}
		var agg WearAggregate
		for i := 0; i < 4; i++ { // aggregate buckets
			v, err := readU64(r)
			if err != nil {
				return nil, nil, nil, ErrTruncated
			}
			agg.Buckets[i] = v
		}
		mean, err := readU64(r)
		if err != nil { // mean
			return nil, nil, nil, ErrTruncated
		}
		agg.Mean = mean
		p95, err := readU32(r)
		if err != nil { // p95
			return nil, nil, nil, ErrTruncated
		}
		agg.P95 = p95
		return &scalemodel.NetworkPayload{Nodes: nodes, Edges: edges}, &agg, nil, nil

	case scalemodel.DomainAgents:
		count, err := readU32(r)
		if err != nil {
			return nil, nil, nil, ErrTruncated
		}
		agents := make([]scalemodel.AgentEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			var a scalemodel.AgentEntry
			if a.AgentID, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if a.RoleID, err = readU32(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if a.TraitMask, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if a.PlanningBucket, err = readU32(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			agents = append(agents, a)
		}
		var summary AgentSummary
		rtCount, err := readU32(r)
		if err != nil {
			return nil, nil, nil, ErrTruncated
		}
		summary.RoleTrait = make([]RoleTraitBucket, 0, rtCount)
		for i := uint32(0); i < rtCount; i++ {
			var b RoleTraitBucket
			if b.RoleID, err = readU32(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if b.TraitMask, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if b.Count, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			summary.RoleTrait = append(summary.RoleTrait, b)
		}
		pbCount, err := readU32(r)
		if err != nil {
			return nil, nil, nil, ErrTruncated
		}
		summary.Planning = make([]PlanningBucket, 0, pbCount)
		for i := uint32(0); i < pbCount; i++ {
			var b PlanningBucket
			if b.PlanningBucket, err = readU32(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			if b.Count, err = readU64(r); err != nil {
				return nil, nil, nil, ErrTruncated
			}
			summary.Planning = append(summary.Planning, b)
		}
		return &scalemodel.AgentsPayload{Agents: agents}, nil, &summary, nil

	default:
		return nil, nil, nil, ErrUnknownKind
	}
}

func writeExtensions(buf *bytes.Buffer, ext map[string]string) {
	keys := make([]string, 0, len(ext))
	for k := range ext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeU32(buf, uint32(len(keys)))
	for _, k := range keys {
		writeString(buf, k)
		writeString(buf, ext[k])
	}
}

func readExtensions(r *bytes.Reader) (map[string]string, error) {
	count, err := readU32(r)
	if err != nil {
		return nil, ErrTruncated
	}
	out := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, ErrTruncated
		}
		v, err := readString(r)
		if err != nil {
			return nil, ErrTruncated
		}
		out[k] = v
	}
	return out, nil
}

// WearToleranceOK reports whether a reconstructed network's aggregate wear
// matches the capsule's stored aggregate within tolerance: bucket counts
// must match exactly; mean and p95 may differ by at most max(1, expected/100).
func WearToleranceOK(expected, got WearAggregate) bool {
	if expected.Buckets != got.Buckets {
		return false
	}
	tolerance := func(v uint64) uint64 {
		t := v / 100
		if t < 1 {
			t = 1
		}
		return t
	}
	meanDiff := diffU64(expected.Mean, got.Mean)
	if meanDiff > tolerance(expected.Mean) {
		return false
	}
	p95Diff := diffU64(uint64(expected.P95), uint64(got.P95))
	if p95Diff > tolerance(uint64(expected.P95)) {
		return false
	}
	return true
}

func diffU64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
