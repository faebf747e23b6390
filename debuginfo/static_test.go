package debuginfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/assert"
)

func TestStaticSaveAndLoad(t *testing.T) {
	s := NewStatic()
	s.Image = "test.dll"
	s.AddSymbol(Symbol{Name: "data", Kind: DataSymbol, RVA: 0x2000, Size: 8})
	s.AddSymbol(Symbol{Name: "main", Kind: FunctionSymbol, RVA: 0x1000, Size: 0x20, NonReturn: true})
	s.AddLabel(Label{Name: "case", Kind: CaseTableLabel, RVA: 0x1010})
	s.AddSectionContribution(SectionContribution{RVA: 0x1000, Size: 0x20, Compiland: "main.obj", Section: 1})
	s.AddFixup(Fixup{Location: 0x1002, Type: AbsoluteFixup, Target: 0x2000})
	s.AddFixup(Fixup{Location: 0x1008, Type: PCRelative8Fixup, Target: 0x1010, Displacement: -1})

	path := filepath.Join(t.TempDir(), "debug.json")
	assert.NoError(t, s.Save(path))

	loaded, err := Load(path)
	assert.NoError(t, err)
	syms, err := loaded.Symbols()
	assert.NoError(t, err)
	assert.Len(t, syms, 2)
	// Records come back sorted by address.
	assert.Equal(t, "main", syms[0].Name)
	assert.True(t, syms[0].NonReturn)
	fixups, err := loaded.Fixups()
	assert.NoError(t, err)
	assert.Equal(t, PCRelative8Fixup, fixups[1].Type)
	assert.Equal(t, uint8(1), fixups[1].Type.Size())
	assert.Equal(t, int32(-1), fixups[1].Displacement)
	labels, err := loaded.Labels()
	assert.NoError(t, err)
	assert.Equal(t, CaseTableLabel, labels[0].Kind)

	raw, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Contains(t, string(raw), `"pc-relative-8"`)
}

func TestParseRejectsBadDumps(t *testing.T) {
	tests := []struct {
		name string
		dump string
		want error
	}{
		{"not json", "{", ErrInvalidDump},
		{"wrong version", `{"version": 7}`, ErrInvalidDump},
		{"unknown kind", `{"version": 1, "symbols": [{"name": "x", "kind": "bogus"}]}`, ErrInvalidDump},
		{"duplicate fixup", `{"version": 1, "fixups": [{"location": 16}, {"location": 16}]}`, ErrDuplicateFixup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.dump))
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestSnapshot(t *testing.T) {
	s := NewStatic()
	s.AddSymbol(Symbol{Name: "f", Kind: ThunkSymbol, RVA: 0x10, Size: 6})
	snap, err := Snapshot(s)
	assert.NoError(t, err)
	assert.Equal(t, s.SymbolList, snap.SymbolList)
	assert.Equal(t, "thunk", snap.SymbolList[0].Kind.String())
}
