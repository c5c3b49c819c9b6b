//go:build amd64

package karch

// x86_64 4-level paging: PML4/PDPT/PD/PT, 9 index bits per level, 12-bit
// page offset, canonical higher half starting at 0xffff800000000000.
// Ground: gopheros/kernel/mm/vmm's pageLevelBits/pageLevelShifts tables for
// the amd64 walk (there baked into unsafe recursive-mapping pointer math;
// here the same level geometry drives the hosted software walk in
// paging.go).
var archLayout = layout{
	name:            "amd64",
	levels:          4,
	bitsPerLevel:    []uint{9, 9, 9, 9},
	pageOffsetBits:  12,
	higherHalfSplit: 0xffff800000000000,
}
