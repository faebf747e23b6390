package pe

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"
	"sort"
)

// Checksum computes the PE image checksum of data, treating the four bytes
// at checksumOffset as zero.
func Checksum(data []byte, checksumOffset uint32) uint32 {
	var sum uint64
	n := uint32(len(data))
	for i := uint32(0); i < n; i += 2 {
		if i >= checksumOffset && i < checksumOffset+4 {
			continue
		}
		word := uint64(data[i])
		if i+1 < n {
			word |= uint64(data[i+1]) << 8
		}
		sum += word
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + n
}

// checksumOffset returns the file offset of the CheckSum field.
func (f *File) checksumOffset() uint32 {
	return f.OptionalHeaderOffset() + OptionalHeaderCheckSumOffset
}

// StoredChecksum returns the checksum recorded in the optional header.
func (f *File) StoredChecksum() uint32 {
	return le32(f.data[f.checksumOffset():])
}

// CalculateChecksum computes the checksum of the file.
func (f *File) CalculateChecksum() uint32 {
	return Checksum(f.data, f.checksumOffset())
}

func (f *File) AuthentihashSha1() []byte {
	return f.authentihash(sha1.New())
}

func (f *File) Authentihash() []byte {
	return f.authentihash(sha256.New())
}

func (f *File) authentihash(hasher hash.Hash) []byte {
	if f.OptionalHeader == nil {
		return nil
	}

	locationSlice := f.authenticodeExclusions()
	sort.Sort(byStart(locationSlice))

	start := uint32(0)
	for _, r := range locationSlice {
		_, _ = hasher.Write(f.data[start:r.Start])
		start = r.Start + r.Length
	}
	_, _ = hasher.Write(f.data[start:])
	return hasher.Sum(nil)
}

type RelRange struct {
	Start  uint32
	Length uint32
}

type byStart []RelRange

func (s byStart) Len() int           { return len(s) }
func (s byStart) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s byStart) Less(i, j int) bool { return s[i].Start < s[j].Start }

// authenticodeExclusions returns the file ranges authenticode does not hash:
// the checksum, the certificate table directory entry and the certificate
// table itself.
func (f *File) authenticodeExclusions() []RelRange {
	location := []RelRange{{f.checksumOffset(), 4}}

	certEntry := f.DataDirectoryOffset(ImageDirectoryEntrySecurity)
	if certEntry+DataDirectorySize > uint32(len(f.Header)) {
		return location
	}
	location = append(location, RelRange{certEntry, DataDirectorySize})

	cert := f.DataDirectory(ImageDirectoryEntrySecurity)
	if cert.Size == 0 {
		return location
	}
	if cert.VirtualAddress < uint32(len(f.Header)) ||
		uint64(cert.VirtualAddress)+uint64(cert.Size) > uint64(f.size) {
		return location
	}
	return append(location, RelRange{cert.VirtualAddress, cert.Size})
}
