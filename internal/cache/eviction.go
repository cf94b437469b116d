package cache

import (
	"sort"
	"time"
)

// EvictionPolicy picks the fingerprints to drop from a listing.
type EvictionPolicy interface {
	Select(entries []Entry, now time.Time) []string
}

// NoEviction keeps everything; the cache grows without bound.
type NoEviction struct{}

func (NoEviction) Select([]Entry, time.Time) []string { return nil }

// MaxAge drops entries older than the given age.
type MaxAge time.Duration

func (m MaxAge) Select(entries []Entry, now time.Time) []string {
	if m <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(m))
	var out []string
	for _, e := range entries {
		if e.ModTime.Before(cutoff) {
			out = append(out, e.Fingerprint)
		}
	}
	return out
}

// MaxBytes drops the oldest entries until the total size fits.
type MaxBytes int64

func (m MaxBytes) Select(entries []Entry, _ time.Time) []string {
	if m <= 0 {
		return nil
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total <= int64(m) {
		return nil
	}
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ModTime.Before(sorted[j].ModTime) })

	var out []string
	for _, e := range sorted {
		if total <= int64(m) {
			break
		}
		out = append(out, e.Fingerprint)
		total -= e.Size
	}
	return out
}

// Policies evicts the union of what each policy selects.
type Policies []EvictionPolicy

func (p Policies) Select(entries []Entry, now time.Time) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, policy := range p {
		for _, fp := range policy.Select(entries, now) {
			if _, ok := seen[fp]; ok {
				continue
			}
			seen[fp] = struct{}{}
			out = append(out, fp)
		}
	}
	return out
}

// PolicyFor builds the policy for the configured limits. Zero limits mean
// no eviction.
func PolicyFor(maxAge time.Duration, maxBytes int64) EvictionPolicy {
	var policies Policies
	if maxAge > 0 {
		policies = append(policies, MaxAge(maxAge))
	}
	if maxBytes > 0 {
		policies = append(policies, MaxBytes(maxBytes))
	}
	if len(policies) == 0 {
		return NoEviction{}
	}
	return policies
}
