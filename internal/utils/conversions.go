package utils

import "sort"

// ToStringSlice keeps the non-empty string elements of a decoded JSON array.
func ToStringSlice(slice []any) []string {
	stringSlice := make([]string, 0, len(slice))
	for _, v := range slice {
		if s, ok := v.(string); ok && s != "" {
			stringSlice = append(stringSlice, s)
		}
	}
	return stringSlice
}

// DistinctSorted returns the unique values of in, sorted. A nil input yields an empty slice.
func DistinctSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
