package store

import "slices"

// Collection names.
const (
	WardrobeItems    = "wardrobeItems"
	Outfits          = "outfits"
	PendingMutations = "pendingMutations"
	WearMetrics      = "wearMetrics"
)

// SchemaVersion lists the collections introduced at one version.
type SchemaVersion struct {
	Version     int
	Collections []string
}

// Schema is the collection layout of the current release. Versions are only
// ever appended; a store opened at an older version gains the missing
// collections without losing records.
var Schema = []SchemaVersion{
	{Version: 1, Collections: []string{WardrobeItems, Outfits, PendingMutations}},
	{Version: 2, Collections: []string{WearMetrics}},
}

// LatestVersion returns the highest version in schema.
func LatestVersion(schema []SchemaVersion) int {
	latest := 0
	for _, v := range schema {
		latest = max(latest, v.Version)
	}
	return latest
}

// Upgrade returns the collections to add when moving a store from version
// stored to the latest version in schema, and that target version. A store
// that is already newer keeps its version.
func Upgrade(stored int, schema []SchemaVersion) (added []string, target int) {
	target = max(stored, LatestVersion(schema))
	for _, v := range schema {
		if v.Version > stored {
			added = append(added, v.Collections...)
		}
	}
	return added, target
}

// AllCollections returns every collection named in schema, sorted.
func AllCollections(schema []SchemaVersion) []string {
	var names []string
	for _, v := range schema {
		names = append(names, v.Collections...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
