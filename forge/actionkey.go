package forge

import "github.com/forgeworks/forge/digest"

// ComputeActionKey combines an action's structural Key() with the content
// digests of its (by now fully resolved) inputs into the fingerprint the
// action cache and remote cache key lookups on. Callers pass inputDigests
// in the same order as action.Inputs(); this function sorts them so input
// ordering never affects the fingerprint.
func ComputeActionKey(action Action, inputDigests []digest.Digest) digest.Digest {
	sorted := make([]digest.Digest, len(inputDigests))
	copy(sorted, inputDigests)
	digest.Sort(sorted)

	b := digest.NewBuilder().AddDigest(action.Key())
	for _, d := range sorted {
		b.AddDigest(d)
	}
	return b.Sum()
}
