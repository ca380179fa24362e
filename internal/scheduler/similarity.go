package scheduler

import (
	"hash/fnv"
	"math"
	"strings"
)

const similarityDims = 256

// textFingerprint builds a bag-of-hashed-tokens vector for a
// description, L2-normalized so similarity reduces to a dot product.
// Cheap by construction: grouping near-duplicate requests must cost far
// less than the conditioning pass it saves.
func textFingerprint(text string) []float32 {
	vec := make([]float32, similarityDims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%similarityDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// groupBySimilarity clusters items greedily: each item joins the first
// existing group whose representative fingerprint is at least threshold
// similar, otherwise it founds a new group keyed by its own id.
func groupBySimilarity(items []*Item, threshold float64) map[string][]string {
	groups := map[string][]string{}
	reps := map[string][]float32{}
	var order []string

	for _, it := range items {
		fp := textFingerprint(it.Description)

		joined := ""
		for _, gid := range order {
			if dot(reps[gid], fp) >= threshold {
				joined = gid
				break
			}
		}
		if joined == "" {
			joined = it.ID
			reps[joined] = fp
			order = append(order, joined)
		}
		groups[joined] = append(groups[joined], it.ID)
	}
	return groups
}
