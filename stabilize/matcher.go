package stabilize

import (
	"encoding/binary"
	"math/bits"
	"sort"
)

// DescriptorMatch pairs a query keypoint with a train keypoint
type DescriptorMatch struct {
	QueryIdx int `json:"queryIdx"`
	TrainIdx int `json:"trainIdx"`
	Distance int `json:"distance"`
}

// HammingDistance counts differing bits. Descriptors of different length
// are incomparable and return -1.
func HammingDistance(a, b []byte) int {
	if len(a) != len(b) {
		return -1
	}
	d := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		d += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < len(a); i++ {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}

// neighbors holds the two nearest train descriptors of one query
type neighbors struct {
	best, second         int
	bestDist, secondDist int
}

// MatchDescriptors brute-force matches binary descriptors. With crossCheck
// only mutual nearest neighbors survive; otherwise Lowe's ratio test
// bestDistance/secondBestDistance < ratio is applied. Only the strongest
// maxKeypoints of each set (by response) take part; indices refer to the
// input slices. Matches are ordered by distance.
func MatchDescriptors(query, train []FeatureKeypoint, ratio float64, crossCheck bool, maxKeypoints int) []DescriptorMatch {
	qIdx := strongest(query, maxKeypoints)
	tIdx := strongest(train, maxKeypoints)
	if len(qIdx) == 0 || len(tIdx) == 0 {
		return nil
	}

	forward := make(map[int]neighbors, len(qIdx))
	for _, qi := range qIdx {
		if n, ok := nearest(query[qi].Descriptor, train, tIdx); ok {
			forward[qi] = n
		}
	}

	var matches []DescriptorMatch
	if crossCheck {
		backward := make(map[int]int, len(tIdx))
		for _, ti := range tIdx {
			if n, ok := nearest(train[ti].Descriptor, query, qIdx); ok {
				backward[ti] = n.best
			}
		}
		for _, qi := range qIdx {
			n, ok := forward[qi]
			if !ok {
				continue
			}
			if back, ok := backward[n.best]; ok && back == qi {
				matches = append(matches, DescriptorMatch{QueryIdx: qi, TrainIdx: n.best, Distance: n.bestDist})
			}
		}
	} else {
		for _, qi := range qIdx {
			n, ok := forward[qi]
			if !ok || n.second < 0 || n.secondDist == 0 {
				continue
			}
			if float64(n.bestDist)/float64(n.secondDist) < ratio {
				matches = append(matches, DescriptorMatch{QueryIdx: qi, TrainIdx: n.best, Distance: n.bestDist})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].QueryIdx < matches[j].QueryIdx
	})
	return matches
}

// nearest finds the two closest comparable descriptors among candidates
func nearest(desc []byte, set []FeatureKeypoint, candidates []int) (neighbors, bool) {
	n := neighbors{best: -1, second: -1}
	if len(desc) == 0 {
		return n, false
	}
	for _, ci := range candidates {
		d := HammingDistance(desc, set[ci].Descriptor)
		if d < 0 {
			continue
		}
		switch {
		case n.best < 0 || d < n.bestDist:
			n.second, n.secondDist = n.best, n.bestDist
			n.best, n.bestDist = ci, d
		case n.second < 0 || d < n.secondDist:
			n.second, n.secondDist = ci, d
		}
	}
	return n, n.best >= 0
}

// strongest returns the indices of the max keypoints with the highest
// response, in index order. max <= 0 keeps all.
func strongest(kps []FeatureKeypoint, max int) []int {
	idx := make([]int, len(kps))
	for i := range kps {
		idx[i] = i
	}
	if max <= 0 || len(kps) <= max {
		return idx
	}
	sort.SliceStable(idx, func(a, b int) bool { return kps[idx[a]].Response > kps[idx[b]].Response })
	idx = idx[:max]
	sort.Ints(idx)
	return idx
}
