package pe

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

type RichHeader struct {
	XorKey     uint32
	CompIDs    []CompID
	DansOffset int
	Raw        []byte
}

type CompID struct {
	MinorCV  uint16
	ProdID   uint16
	Count    uint32
	Unmasked uint32
}

func (f *File) readRichHeader() error {
	stub, err := f.fileSlice(0, f.AddressOfNewEXEHeader)
	if err != nil {
		return errors.Wrap(ErrTruncatedHeader, "DOS stub")
	}
	richSigOffset := bytes.Index(stub, []byte(RichSignature))
	if richSigOffset < 0 || richSigOffset+8 > len(stub) {
		return nil
	}

	rh := RichHeader{XorKey: binary.LittleEndian.Uint32(stub[richSigOffset+4:])}

	// Walk backwards from the Rich marker until the masked DanS marker.
	var decRichHeader []uint32
	dansSigOffset := -1
	for it := richSigOffset - 4; it >= DOSHeaderSize; it -= 4 {
		res := binary.LittleEndian.Uint32(stub[it:]) ^ rh.XorKey
		if res == DansSignature {
			dansSigOffset = it
			break
		}
		decRichHeader = append(decRichHeader, res)
	}
	if dansSigOffset == -1 {
		return nil
	}

	rh.DansOffset = dansSigOffset
	rh.Raw = stub[dansSigOffset : richSigOffset+8]

	for i, j := 0, len(decRichHeader)-1; i < j; i, j = i+1, j-1 {
		decRichHeader[i], decRichHeader[j] = decRichHeader[j], decRichHeader[i]
	}

	// The three padding words after DanS precede the (id, count) pairs.
	for i := 3; i+1 < len(decRichHeader); i += 2 {
		rh.CompIDs = append(rh.CompIDs, CompID{
			MinorCV:  uint16(decRichHeader[i]),
			ProdID:   uint16(decRichHeader[i] >> 16),
			Count:    decRichHeader[i+1],
			Unmasked: decRichHeader[i],
		})
	}

	f.RichHeader = &rh
	return nil
}

func (f *File) RichHeaderChecksum() uint32 {
	if f.RichHeader == nil {
		return 0
	}

	checksum := uint32(f.RichHeader.DansOffset)

	// First, calculate the sum of the DOS header bytes each rotated left the
	// number of times their position relative to the start of the DOS header e.g.
	// second byte is rotated left 2x using rol operation.
	for i := 0; i < f.RichHeader.DansOffset; i++ {
		// skip over dos e_lfanew field at offset 0x3C
		if i >= 0x3C && i < 0x40 {
			continue
		}
		b := uint32(f.data[i])
		checksum += (b << (i % 32)) | (b>>(32-(i%32)))&0xff
		checksum &= 0xFFFFFFFF
	}

	// Next, take summation of each Rich header entry by combining its ProductId
	// and BuildNumber into a single 32 bits number and rotating by its count.
	for _, compID := range f.RichHeader.CompIDs {
		checksum += compID.Unmasked<<(compID.Count%32) | compID.Unmasked>>(32-(compID.Count%32))
		checksum &= 0xFFFFFFFF
	}

	return checksum
}

func (f *File) RichHeaderHash() string {
	if f.RichHeader == nil {
		return ""
	}
	richIndex := bytes.Index(f.RichHeader.Raw, []byte(RichSignature))
	if richIndex == -1 {
		return ""
	}

	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, f.RichHeader.XorKey)

	rawData := f.RichHeader.Raw[:richIndex]
	clearData := make([]byte, len(rawData))
	for idx, val := range rawData {
		clearData[idx] = val ^ key[idx%len(key)]
	}
	return fmt.Sprintf("%x", md5.Sum(clearData))
}
