package schemadiff

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// DefaultThreshold is the similarity at or above which a removed and an
// added entity or field are paired as a rename.
const DefaultThreshold = 0.8

// Similarity weights of one field pair. They sum to one.
const (
	typeWeight    = 0.5
	columnWeight  = 0.2
	optionsWeight = 0.3
)

// scores closer than epsilon are equal.
const epsilon = 1e-9

// Options controls Diff.
type Options struct {
	// DetectRenames pairs removed and added entities and fields by similarity.
	// Default: true
	DetectRenames bool

	// Threshold is the lowest similarity paired as a rename, in (0, 1].
	// Default: 0.8
	Threshold float64
}

// DefaultOptions returns options with rename detection on.
func DefaultOptions() Options {
	return Options{DetectRenames: true, Threshold: DefaultThreshold}
}

func (o *Options) validate() {
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = DefaultThreshold
	}
}

// Diff returns the changes turning from into to. Both snapshots are
// validated first.
//
// Changes come in a fixed order: entity renames, entity creations, the
// field, index and uniqueness changes of every entity kept or renamed
// (entities sorted by full name), then entity deletions. The result only
// depends on the snapshots' content.
func Diff(from, to Snapshot, opts Options) ([]Change, error) {
	opts.validate()
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("from snapshot: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("to snapshot: %w", err)
	}

	var fromOnly, toOnly, common []string
	for _, key := range from.names() {
		if _, ok := to.Entities[key]; ok {
			common = append(common, key)
		} else {
			fromOnly = append(fromOnly, key)
		}
	}
	for _, key := range to.names() {
		if _, ok := from.Entities[key]; !ok {
			toOnly = append(toOnly, key)
		}
	}

	var renamed []match
	if opts.DetectRenames {
		var cands []match
		for _, f := range fromOnly {
			for _, t := range toOnly {
				old, cur := from.Entities[f], to.Entities[t]
				if old.Namespace != cur.Namespace {
					continue
				}
				cands = append(cands, match{from: f, to: t, score: entitySimilarity(old, cur)})
			}
		}
		renamed = pair(cands, opts.Threshold)
	}
	pairedFrom := make(map[string]bool, len(renamed))
	pairedTo := make(map[string]bool, len(renamed))
	for _, m := range renamed {
		pairedFrom[m.from], pairedTo[m.to] = true, true
	}

	var out []Change
	sort.Slice(renamed, func(i, j int) bool { return renamed[i].to < renamed[j].to })
	kept := make(map[string]string, len(common)+len(renamed))
	for _, m := range renamed {
		old, cur := from.Entities[m.from], to.Entities[m.to]
		out = append(out, Change{Kind: RenameEntity, Entity: m.to, OldName: m.from, OldEntity: &old, NewEntity: &cur})
		kept[m.to] = m.from
	}
	for _, key := range toOnly {
		if pairedTo[key] {
			continue
		}
		cur := to.Entities[key]
		out = append(out, Change{Kind: CreateEntity, Entity: key, NewEntity: &cur})
	}
	for _, key := range common {
		kept[key] = key
	}
	keys := make([]string, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = append(out, diffEntity(from.Entities[kept[key]], to.Entities[key], opts)...)
	}
	for _, key := range fromOnly {
		if pairedFrom[key] {
			continue
		}
		old := from.Entities[key]
		out = append(out, Change{Kind: DeleteEntity, Entity: key, OldEntity: &old})
	}
	return out, nil
}

type match struct {
	from, to string
	score    float64
}

// pair greedily takes the best scoring candidates at or above threshold,
// each name at most once. Ties go to the lexically smaller names.
func pair(cands []match, threshold float64) []match {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if d := a.score - b.score; d > epsilon || d < -epsilon {
			return d > 0
		}
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})
	usedFrom := make(map[string]bool)
	usedTo := make(map[string]bool)
	var out []match
	for _, c := range cands {
		if c.score+epsilon < threshold || usedFrom[c.from] || usedTo[c.to] {
			continue
		}
		usedFrom[c.from], usedTo[c.to] = true, true
		out = append(out, c)
	}
	return out
}

// entitySimilarity is a weighted Jaccard index over field names: each
// shared name contributes the similarity of its two fields, and the sum is
// divided by the number of distinct names.
func entitySimilarity(a, b EntityShape) float64 {
	names := make(map[string]bool)
	for _, f := range a.Fields {
		names[f.Name] = true
	}
	for _, f := range b.Fields {
		names[f.Name] = true
	}
	if len(names) == 0 {
		return 0
	}
	var sum float64
	for _, fa := range a.Fields {
		if fb, ok := b.Field(fa.Name); ok {
			sum += fieldSimilarity(fa, fb)
		}
	}
	return sum / float64(len(names))
}

// fieldSimilarity scores two fields regardless of their names.
func fieldSimilarity(a, b FieldShape) float64 {
	var score float64
	if a.Type == b.Type {
		score += typeWeight
	}
	if a.Column == b.Column {
		score += columnWeight
	}
	changed := len(optionChanges(a, b))
	return score + optionsWeight*float64(len(optionNames)-changed)/float64(len(optionNames))
}

// optionNames lists the compared field options other than type and column.
var optionNames = []string{
	"primary_key", "nullable", "unique", "indexed", "max_length", "default",
	"choices", "auto_now", "auto_now_add", "to", "related_name",
}

func optionChanges(a, b FieldShape) []string {
	var out []string
	add := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	add("primary_key", a.PrimaryKey != b.PrimaryKey)
	add("nullable", a.Nullable != b.Nullable)
	add("unique", a.Unique != b.Unique)
	add("indexed", a.Indexed != b.Indexed)
	add("max_length", a.MaxLength != b.MaxLength)
	add("default", a.Default != b.Default)
	add("choices", !slices.Equal(a.Choices, b.Choices))
	add("auto_now", a.AutoNow != b.AutoNow)
	add("auto_now_add", a.AutoNowAdd != b.AutoNowAdd)
	add("to", a.To != b.To)
	add("related_name", a.RelatedName != b.RelatedName)
	return out
}

// fieldChanges names every differing option of two fields, type and column
// first.
func fieldChanges(a, b FieldShape) []string {
	var out []string
	if a.Type != b.Type {
		out = append(out, "type")
	}
	if a.Column != b.Column {
		out = append(out, "column")
	}
	return append(out, optionChanges(a, b)...)
}

// diffEntity compares two shapes of the same entity. Field changes come
// first (renames, additions, removals, alterations), then indexes and the
// uniqueness groups.
func diffEntity(old, cur EntityShape, opts Options) []Change {
	entity := cur.FullName()
	var removed, added []FieldShape
	for _, f := range old.Fields {
		if _, ok := cur.Field(f.Name); !ok {
			removed = append(removed, f)
		}
	}
	for _, f := range cur.Fields {
		if _, ok := old.Field(f.Name); !ok {
			added = append(added, f)
		}
	}

	renamedTo := make(map[string]string)
	renamedFrom := make(map[string]string)
	if opts.DetectRenames {
		var cands []match
		for _, r := range removed {
			for _, a := range added {
				cands = append(cands, match{from: r.Name, to: a.Name, score: fieldSimilarity(r, a)})
			}
		}
		for _, m := range pair(cands, opts.Threshold) {
			renamedTo[m.from] = m.to
			renamedFrom[m.to] = m.from
		}
	}

	var out, alters []Change
	for _, f := range cur.Fields {
		oldName, ok := renamedFrom[f.Name]
		if !ok {
			continue
		}
		prev, _ := old.Field(oldName)
		out = append(out, Change{Kind: RenameField, Entity: entity, Field: f.Name, OldName: oldName, OldField: &prev, NewField: &f})
		var changed []string
		for _, o := range fieldChanges(prev, f) {
			if o != "column" {
				changed = append(changed, o)
			}
		}
		if len(changed) > 0 {
			alters = append(alters, Change{Kind: AlterField, Entity: entity, Field: f.Name, Options: changed, OldField: &prev, NewField: &f})
		}
	}
	for _, f := range added {
		if _, ok := renamedFrom[f.Name]; ok {
			continue
		}
		out = append(out, Change{Kind: AddField, Entity: entity, Field: f.Name, NewField: &f})
	}
	for _, f := range removed {
		if _, ok := renamedTo[f.Name]; ok {
			continue
		}
		out = append(out, Change{Kind: RemoveField, Entity: entity, Field: f.Name, OldField: &f})
	}
	for _, f := range cur.Fields {
		prev, ok := old.Field(f.Name)
		if !ok {
			continue
		}
		if changed := fieldChanges(prev, f); len(changed) > 0 {
			out = append(out, Change{Kind: AlterField, Entity: entity, Field: f.Name, Options: changed, OldField: &prev, NewField: &f})
		}
	}
	out = append(out, alters...)

	rename := func(names []string) []string {
		out := make([]string, len(names))
		for i, n := range names {
			if to, ok := renamedTo[n]; ok {
				n = to
			}
			out[i] = n
		}
		return out
	}
	indexKey := func(idx IndexShape, fields []string) string {
		return fmt.Sprintf("%t|%s", idx.Unique, strings.Join(fields, ","))
	}
	oldIdx := make(map[string]bool, len(old.Indexes))
	for _, idx := range old.Indexes {
		oldIdx[indexKey(idx, rename(idx.Fields))] = true
	}
	curIdx := make(map[string]bool, len(cur.Indexes))
	for _, idx := range cur.Indexes {
		key := indexKey(idx, idx.Fields)
		curIdx[key] = true
		if !oldIdx[key] {
			out = append(out, Change{Kind: AddIndex, Entity: entity, NewIndex: &idx})
		}
	}
	for _, idx := range old.Indexes {
		if !curIdx[indexKey(idx, rename(idx.Fields))] {
			out = append(out, Change{Kind: RemoveIndex, Entity: entity, OldIndex: &idx})
		}
	}

	uniqueKey := func(groups [][]string, mapNames bool) string {
		keys := make([]string, len(groups))
		for i, g := range groups {
			if mapNames {
				g = rename(g)
			}
			keys[i] = groupKey(g)
		}
		sort.Strings(keys)
		return strings.Join(keys, ";")
	}
	if uniqueKey(old.UniqueTogether, true) != uniqueKey(cur.UniqueTogether, false) {
		out = append(out, Change{Kind: AlterUniqueTogether, Entity: entity, OldUnique: old.UniqueTogether, NewUnique: cur.UniqueTogether})
	}
	return out
}
