package imcurate

import (
	"context"
	"image"

	"github.com/corona10/goimagehash"
)

// Hash algorithms accepted by HashProducer.
const (
	HashAverage    = "average"
	HashDifference = "difference"
	HashPerception = "perception"
)

// HashProducer fills the hash column with a perceptual hash of the decoded image.
type HashProducer struct {
	HashType string `json:"hash_type"` // default: HashAverage
}

func (p HashProducer) validate() error {
	switch p.HashType {
	case "", HashAverage, HashDifference, HashPerception:
		return nil
	}
	return configErr("unknown hash_type %q", p.HashType)
}

func (HashProducer) Name() string       { return "hash" }
func (HashProducer) Requires() []string { return nil }

func (HashProducer) Produces() []Column {
	return []Column{{Name: "hash", Type: TypeString}}
}

func (p HashProducer) Produce(_ context.Context, path string, _ Row) (Row, error) {
	img, _, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	h, err := p.hash(img)
	if err != nil {
		return nil, err
	}
	return Row{"hash": h.ToString()}, nil
}

func (p HashProducer) hash(img image.Image) (*goimagehash.ImageHash, error) {
	switch p.HashType {
	case HashDifference:
		return goimagehash.DifferenceHash(img)
	case HashPerception:
		return goimagehash.PerceptionHash(img)
	default:
		return goimagehash.AverageHash(img)
	}
}

// Dedup resolvers. Any other resolver value names a column: within a group
// of duplicates only the rows holding the group's largest value survive.
const (
	ResolveFirst     = "first"      // keep the first row of each group (default)
	ResolveIgnoreAll = "ignore_all" // drop every row of a group with duplicates
)

// DedupRule drops duplicate images within a pass. Threshold 0 compares
// hashes exactly; a positive threshold treats hashes closer than Threshold
// (Hamming distance) as duplicates. Resolver picks the survivors of each
// group.
type DedupRule struct {
	Threshold int    `json:"threshold"`
	Resolver  string `json:"resolver,omitempty"`
}

func (r DedupRule) validate() error {
	if r.Threshold < 0 || r.Threshold > 64 {
		return configErr("hash threshold %d outside [0, 64]", r.Threshold)
	}
	switch r.Resolver {
	case "", ResolveFirst, ResolveIgnoreAll:
		return nil
	case ColPath, "hash":
		return configErr("hash resolver cannot be %q", r.Resolver)
	}
	if !columnNameRe.MatchString(r.Resolver) {
		return configErr("hash resolver %q is not a column name", r.Resolver)
	}
	return nil
}

func (DedupRule) Name() string { return "hash" }

func (r DedupRule) Requires() []string {
	if r.byColumn() {
		return []string{"hash", r.Resolver}
	}
	return []string{"hash"}
}

func (r DedupRule) byColumn() bool {
	return r.Resolver != "" && r.Resolver != ResolveFirst && r.Resolver != ResolveIgnoreAll
}

// NewEvaluator returns a first-wins evaluator owning a fresh set of seen
// hashes.
func (r DedupRule) NewEvaluator() Evaluator {
	if r.Threshold == 0 {
		seen := map[string]bool{}
		return func(row Row) bool {
			h, _ := row.String("hash")
			if seen[h] {
				return false
			}
			seen[h] = true
			return true
		}
	}

	var hashes []*goimagehash.ImageHash
	return func(row Row) bool {
		s, _ := row.String("hash")
		hash, err := goimagehash.ImageHashFromString(s)
		if err != nil {
			// Graceful degradation: unparsable hash → accept the row.
			return true
		}
		for _, h := range hashes {
			dist, err := hash.Distance(h)
			if err == nil && dist < r.Threshold {
				return false
			}
		}
		hashes = append(hashes, hash)
		return true
	}
}

// Select applies the resolver to every row reaching the rule.
func (r DedupRule) Select(rows []Row) []bool {
	keep := make([]bool, len(rows))
	if r.Resolver == "" || r.Resolver == ResolveFirst {
		eval := r.NewEvaluator()
		for i, row := range rows {
			keep[i] = eval(row)
		}
		return keep
	}

	for _, group := range r.groups(rows) {
		if len(group) == 1 {
			keep[group[0]] = true
			continue
		}
		if !r.byColumn() {
			continue
		}
		best := rows[group[0]][r.Resolver]
		for _, i := range group[1:] {
			if v := rows[i][r.Resolver]; compareValues(v, best) > 0 {
				best = v
			}
		}
		for _, i := range group {
			keep[i] = compareValues(rows[i][r.Resolver], best) == 0
		}
	}
	return keep
}

// groups clusters row indexes by hash. With a threshold a row joins the
// first group whose leading hash is close enough; unparsable hashes stay
// alone.
func (r DedupRule) groups(rows []Row) [][]int {
	var groups [][]int
	if r.Threshold == 0 {
		byHash := map[string]int{}
		for i, row := range rows {
			h, _ := row.String("hash")
			if g, ok := byHash[h]; ok {
				groups[g] = append(groups[g], i)
				continue
			}
			byHash[h] = len(groups)
			groups = append(groups, []int{i})
		}
		return groups
	}

	var leads []*goimagehash.ImageHash
	for i, row := range rows {
		s, _ := row.String("hash")
		hash, err := goimagehash.ImageHashFromString(s)
		if err != nil {
			groups = append(groups, []int{i})
			leads = append(leads, nil)
			continue
		}
		joined := false
		for g, lead := range leads {
			if lead == nil {
				continue
			}
			if dist, err := hash.Distance(lead); err == nil && dist < r.Threshold {
				groups[g] = append(groups[g], i)
				joined = true
				break
			}
		}
		if !joined {
			groups = append(groups, []int{i})
			leads = append(leads, hash)
		}
	}
	return groups
}
