package pe

import (
	"sort"

	"github.com/wanglei-coder/syzygy/blockgraph"
	"github.com/wanglei-coder/syzygy/core"
	"github.com/wanglei-coder/syzygy/debuginfo"
)

// BuildOMAP derives the address translation tables between the image
// described by layout and the original image its blocks came from, using
// the source ranges of the blocks. originalSize is the SizeOfImage of the
// original image and terminates the reverse table.
func BuildOMAP(layout *blockgraph.ImageLayout, originalSize uint32) (to, from []debuginfo.OMAPEntry) {
	var end core.RelativeAddress
	for _, e := range layout.Entries() {
		addr := e.Range.Start
		next := addr
		for _, sr := range e.Value.SourceRanges().Ranges() {
			dst := addr + core.RelativeAddress(sr.Offset)
			if dst > next {
				to = append(to, debuginfo.OMAPEntry{RVA: next})
			}
			to = append(to, debuginfo.OMAPEntry{RVA: dst, RVATo: sr.Source.Start})
			from = append(from, debuginfo.OMAPEntry{RVA: sr.Source.Start, RVATo: dst})
			if sr.Source.Size != sr.Size {
				// Resized ranges only map their first byte.
				from = append(from, debuginfo.OMAPEntry{RVA: sr.Source.Start + 1})
			} else {
				from = append(from, debuginfo.OMAPEntry{RVA: sr.Source.End()})
			}
			next = dst + core.RelativeAddress(sr.Size)
		}
		if next < e.Range.End() {
			to = append(to, debuginfo.OMAPEntry{RVA: next})
		}
		end = e.Range.End()
	}
	to = append(to, debuginfo.OMAPEntry{RVA: end})
	from = append(from, debuginfo.OMAPEntry{RVA: core.RelativeAddress(originalSize)})
	return compactOMAP(to), compactOMAP(from)
}

// compactOMAP sorts a table and drops entries that are implied by their
// predecessor. Of several entries at one RVA, a mapping beats an unmapped
// marker.
func compactOMAP(omap []debuginfo.OMAPEntry) []debuginfo.OMAPEntry {
	sort.SliceStable(omap, func(i, j int) bool {
		if omap[i].RVA != omap[j].RVA {
			return omap[i].RVA < omap[j].RVA
		}
		return omap[i].RVATo > omap[j].RVATo
	})

	out := omap[:0]
	var prev core.RelativeAddress
	for i, e := range omap {
		// Only the first entry at an RVA counts, even when it was folded
		// into its predecessor.
		if i > 0 && e.RVA == prev {
			continue
		}
		prev = e.RVA
		if n := len(out); n > 0 {
			last := out[n-1]
			if last.RVATo == 0 && e.RVATo == 0 {
				continue
			}
			if last.RVATo != 0 && e.RVATo != 0 && e.RVATo-last.RVATo == e.RVA-last.RVA {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
