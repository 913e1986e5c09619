package larder

import (
	"fmt"
	"sort"
)

// fieldString formats a group-by field value. JSON numbers arrive as float64;
// integral values are rendered without a fractional part so "42" and 42 group
// together.
func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// groupKey returns the entity's group key for the index field. Entities
// without a value for the field carry no reference to group under and are
// omitted from the index.
func groupKey(e Entity, field string) (string, bool) {
	return e.Field(field)
}

// buildIndex scans the collection once, grouping entity IDs by their GroupBy
// field. Buckets are sorted by SortOrder ascending, ties broken by original
// collection order (the scan appends in collection order and the sort is
// stable).
func buildIndex(def IndexDef, entities []Entity) map[string][]string {
	idx := make(map[string][]string)
	for _, e := range entities {
		key, ok := groupKey(e, def.GroupBy)
		if !ok {
			continue
		}
		idx[key] = append(idx[key], e.ID)
	}
	for key := range idx {
		sortBucket(idx[key], entities)
	}
	return idx
}

// patchIndex applies a single-entity change to an existing index: old is the
// entity's previous version (nil on insert), neu its new version (nil on
// delete). Only the affected buckets are touched; a key change moves the ref
// between buckets, re-sorting just the destination.
func patchIndex(idx map[string][]string, def IndexDef, old, neu *Entity, entities []Entity) {
	if old != nil {
		if key, ok := groupKey(*old, def.GroupBy); ok {
			removeRef(idx, key, old.ID)
		}
	}
	if neu != nil {
		if key, ok := groupKey(*neu, def.GroupBy); ok {
			idx[key] = append(idx[key], neu.ID)
			sortBucket(idx[key], entities)
		}
	}
}

// removeRef drops id from the bucket, deleting the bucket once empty so no
// dangling keys accumulate.
func removeRef(idx map[string][]string, key, id string) {
	bucket := idx[key]
	for i, ref := range bucket {
		if ref == id {
			idx[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(idx[key]) == 0 {
		delete(idx, key)
	}
}

// sortBucket orders refs by the referenced entity's SortOrder, ties broken by
// position in the source collection.
func sortBucket(bucket []string, entities []Entity) {
	type ord struct {
		sortOrder int
		pos       int
	}
	orders := make(map[string]ord, len(entities))
	for i, e := range entities {
		orders[e.ID] = ord{sortOrder: e.SortOrder, pos: i}
	}
	sort.SliceStable(bucket, func(i, j int) bool {
		a, b := orders[bucket[i]], orders[bucket[j]]
		if a.sortOrder != b.sortOrder {
			return a.sortOrder < b.sortOrder
		}
		return a.pos < b.pos
	})
}
