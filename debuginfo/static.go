package debuginfo

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// DumpVersion is the version of the JSON dump format.
const DumpVersion = 1

// Static is a Provider holding its records in memory.
type Static struct {
	Version          int                   `json:"version"`
	Image            string                `json:"image,omitempty"`
	SymbolList       []Symbol              `json:"symbols"`
	LabelList        []Label               `json:"labels,omitempty"`
	ContributionList []SectionContribution `json:"section_contributions"`
	FixupList        []Fixup               `json:"fixups"`

	// OMAPTo maps addresses of a relinked image to the original image and
	// OMAPFrom the reverse.
	OMAPTo   []OMAPEntry `json:"omap_to,omitempty"`
	OMAPFrom []OMAPEntry `json:"omap_from,omitempty"`
}

// NewStatic returns an empty provider.
func NewStatic() *Static {
	return &Static{Version: DumpVersion}
}

func (s *Static) Symbols() ([]Symbol, error) { return s.SymbolList, nil }

func (s *Static) Labels() ([]Label, error) { return s.LabelList, nil }

func (s *Static) SectionContributions() ([]SectionContribution, error) {
	return s.ContributionList, nil
}

func (s *Static) Fixups() ([]Fixup, error) { return s.FixupList, nil }

// AddSymbol appends a symbol.
func (s *Static) AddSymbol(sym Symbol) { s.SymbolList = append(s.SymbolList, sym) }

// AddLabel appends a label.
func (s *Static) AddLabel(l Label) { s.LabelList = append(s.LabelList, l) }

// AddSectionContribution appends a section contribution.
func (s *Static) AddSectionContribution(c SectionContribution) {
	s.ContributionList = append(s.ContributionList, c)
}

// AddFixup appends a fixup.
func (s *Static) AddFixup(f Fixup) { s.FixupList = append(s.FixupList, f) }

// Sort orders every list by address.
func (s *Static) Sort() {
	sort.SliceStable(s.SymbolList, func(i, j int) bool { return s.SymbolList[i].RVA < s.SymbolList[j].RVA })
	sort.SliceStable(s.LabelList, func(i, j int) bool { return s.LabelList[i].RVA < s.LabelList[j].RVA })
	sort.SliceStable(s.ContributionList, func(i, j int) bool {
		return s.ContributionList[i].RVA < s.ContributionList[j].RVA
	})
	sort.SliceStable(s.FixupList, func(i, j int) bool { return s.FixupList[i].Location < s.FixupList[j].Location })
}

// Validate checks the dump version and that fixup locations are unique.
func (s *Static) Validate() error {
	if s.Version != DumpVersion {
		return errors.Wrapf(ErrInvalidDump, "version %d, want %d", s.Version, DumpVersion)
	}
	seen := make(map[uint32]struct{}, len(s.FixupList))
	for _, f := range s.FixupList {
		if _, ok := seen[uint32(f.Location)]; ok {
			return errors.Wrapf(ErrDuplicateFixup, "at %s", f.Location)
		}
		seen[uint32(f.Location)] = struct{}{}
	}
	return nil
}

// Load reads a JSON dump from path.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading debug information")
	}
	return Parse(data)
}

// Parse decodes a JSON dump.
func Parse(data []byte) (*Static, error) {
	s := &Static{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(ErrInvalidDump, err.Error())
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.Sort()
	return s, nil
}

// Save writes the dump to path as indented JSON.
func (s *Static) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding debug information")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "writing debug information")
}

// Snapshot copies every record of p into a Static provider.
func Snapshot(p Provider) (*Static, error) {
	s := NewStatic()
	var err error
	if s.SymbolList, err = p.Symbols(); err != nil {
		return nil, errors.WithMessage(err, "symbols")
	}
	if s.LabelList, err = p.Labels(); err != nil {
		return nil, errors.WithMessage(err, "labels")
	}
	if s.ContributionList, err = p.SectionContributions(); err != nil {
		return nil, errors.WithMessage(err, "section contributions")
	}
	if s.FixupList, err = p.Fixups(); err != nil {
		return nil, errors.WithMessage(err, "fixups")
	}
	return s, nil
}
