package vectorindex

import "math"

// clusterHits collapses near-duplicate hits: when two methods embed
// within the threshold of each other, only the better-scoring one
// survives. Hits must already be ordered best-first.
func clusterHits(hits []methodHit, threshold float64) []methodHit {
	out := make([]methodHit, 0, len(hits))
	for _, h := range hits {
		dup := false
		for _, kept := range out {
			if cosine(h.embedding, kept.embedding) >= threshold {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, h)
		}
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
