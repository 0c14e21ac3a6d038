package mamlgo

import (
	"fmt"
	"sort"
)

// Occurrence names one position of one sequence within a batch.
type Occurrence struct {
	Seq int
	Pos int
}

// BatchIndex maps each token id to the places it occurs in a batch. The data
// collaborator builds one per batch; the sampler consumes it to find word
// types that can fill an N-way episode.
type BatchIndex map[int32][]Occurrence

// IndexBatch builds the occurrence index for a batch of token sequences.
func IndexBatch(seqs [][]int32) BatchIndex {
	idx := make(BatchIndex)
	for s, seq := range seqs {
		for p, tok := range seq {
			idx[tok] = append(idx[tok], Occurrence{Seq: s, Pos: p})
		}
	}
	return idx
}

// MaskedExample is one masked copy of a batch sequence together with the
// position whose token was replaced by the mask marker.
type MaskedExample struct {
	Tokens []int32
	Pos    int
}

// Episode is one N-way classification task over masked word-type occurrences.
// Support and query sets are position-disjoint per class. An episode is
// immutable once built and owned by a single training step.
type Episode struct {
	Classes []int32           // the selected word-type ids, len N
	Support [][]MaskedExample // [class][S]
	Query   [][]MaskedExample // [class][Q]
}

// SamplerConfig is the slice of SMLMTConfig the sampler needs.
type SamplerConfig struct {
	NumClasses      int
	SupportPerClass int
	QueryPerClass   int
	MaskToken       int32
	StopTokens      map[int32]struct{}
}

func NewSamplerConfig(s SMLMTConfig) SamplerConfig {
	stop := make(map[int32]struct{}, len(s.StopTokens))
	for _, t := range s.StopTokens {
		stop[t] = struct{}{}
	}
	return SamplerConfig{
		NumClasses:      s.NumClasses,
		SupportPerClass: s.SupportPerClass,
		QueryPerClass:   s.QueryPerClass,
		MaskToken:       s.MaskToken,
		StopTokens:      stop,
	}
}

// SampleEpisode builds one episode from a batch. All randomness flows through
// stream; with a fixed stream position and batch the result is bit-identical.
// Sequences are never mutated: each selected occurrence masks a fresh copy.
func SampleEpisode(seqs [][]int32, idx BatchIndex, cfg SamplerConfig, stream *Stream) (*Episode, error) {
	need := cfg.SupportPerClass + cfg.QueryPerClass

	// Candidate word-types in deterministic order. Map iteration order must
	// not leak into the draw sequence.
	var candidates, qualified []int32
	for tok := range idx {
		if tok == cfg.MaskToken {
			continue
		}
		if _, stopped := cfg.StopTokens[tok]; stopped {
			continue
		}
		candidates = append(candidates, tok)
		if len(idx[tok]) >= need {
			qualified = append(qualified, tok)
		}
	}
	if len(candidates) < cfg.NumClasses {
		return nil, fmt.Errorf("%w: %d candidate word-types, need %d",
			ErrInsufficientVocabulary, len(candidates), cfg.NumClasses)
	}
	if len(qualified) < cfg.NumClasses {
		return nil, fmt.Errorf("%w: %d word-types occur at least %d times, need %d",
			ErrInsufficientOccurrences, len(qualified), need, cfg.NumClasses)
	}
	sort.Slice(qualified, func(i, j int) bool { return qualified[i] < qualified[j] })

	// Partial Fisher-Yates: the first N entries become the episode classes.
	for i := 0; i < cfg.NumClasses; i++ {
		j := i + stream.Intn(len(qualified)-i)
		qualified[i], qualified[j] = qualified[j], qualified[i]
	}
	classes := append([]int32(nil), qualified[:cfg.NumClasses]...)

	ep := &Episode{
		Classes: classes,
		Support: make([][]MaskedExample, cfg.NumClasses),
		Query:   make([][]MaskedExample, cfg.NumClasses),
	}
	for c, tok := range classes {
		occs := idx[tok]
		if len(occs) < need {
			return nil, fmt.Errorf("%w: word-type %d has %d occurrences, need %d",
				ErrInsufficientOccurrences, tok, len(occs), need)
		}
		// Shuffle the occurrence list and split it: the first S become
		// support, the next Q become query. Disjointness is by construction
		// since each occurrence is consumed at most once.
		perm := stream.Perm(len(occs))
		shuffled := make([]Occurrence, len(occs))
		for i, p := range perm {
			shuffled[i] = occs[p]
		}
		ep.Support[c] = maskAll(seqs, shuffled[:cfg.SupportPerClass], cfg.MaskToken)
		ep.Query[c] = maskAll(seqs, shuffled[cfg.SupportPerClass:need], cfg.MaskToken)
	}
	return ep, nil
}

func maskAll(seqs [][]int32, occs []Occurrence, mask int32) []MaskedExample {
	out := make([]MaskedExample, len(occs))
	for i, occ := range occs {
		copied := append([]int32(nil), seqs[occ.Seq]...)
		copied[occ.Pos] = mask
		out[i] = MaskedExample{Tokens: copied, Pos: occ.Pos}
	}
	return out
}

// flatten lays out all support then all query examples class-major and
// returns the rows plus parallel label and mask-position slices. This is the
// batch the backbone encodes once per meta step.
func (ep *Episode) flatten() (rows []MaskedExample, labels []int) {
	for c := range ep.Support {
		for _, ex := range ep.Support[c] {
			rows = append(rows, ex)
			labels = append(labels, c)
		}
	}
	for c := range ep.Query {
		for _, ex := range ep.Query[c] {
			rows = append(rows, ex)
			labels = append(labels, c)
		}
	}
	return rows, labels
}

// NumSupport and NumQuery are the flattened set sizes.
func (ep *Episode) NumSupport() int { return len(ep.Support) * len(ep.Support[0]) }
func (ep *Episode) NumQuery() int   { return len(ep.Query) * len(ep.Query[0]) }
