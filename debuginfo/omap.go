package debuginfo

import (
	"sort"

	"github.com/wanglei-coder/syzygy/core"
)

// OMAPEntry maps the range starting at RVA up to the next entry onto the
// range starting at RVATo. An RVATo of zero marks addresses with no
// counterpart.
type OMAPEntry struct {
	RVA   core.RelativeAddress `json:"rva"`
	RVATo core.RelativeAddress `json:"rva_to"`
}

// TranslateAddress maps rva through an OMAP table sorted by RVA. It returns
// false for addresses with no counterpart.
func TranslateAddress(omap []OMAPEntry, rva core.RelativeAddress) (core.RelativeAddress, bool) {
	i := sort.Search(len(omap), func(i int) bool { return omap[i].RVA > rva })
	if i == 0 {
		return 0, false
	}
	e := omap[i-1]
	if e.RVATo == 0 {
		return 0, false
	}
	return e.RVATo + (rva - e.RVA), true
}
