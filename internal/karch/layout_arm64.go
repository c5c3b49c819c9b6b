//go:build arm64

package karch

// AArch64 stage-1 translation with a 4 KiB granule: 4 lookup levels, 9
// index bits per level, 12-bit page offset. The higher-half split mirrors
// the TTBR0/TTBR1 divide (TTBR1 covers the top of the address space).
// Ground: iansmith-mazarin's aarch64-tagged files (gic_qemu.go,
// arch_unsupported.go) for the build-tag convention that keeps the two
// arches' hardware-shaped constants in separate files behind a shared Go
// API, generalized here from GICv2 register layout to page-table geometry.
var archLayout = layout{
	name:            "arm64",
	levels:          4,
	bitsPerLevel:    []uint{9, 9, 9, 9},
	pageOffsetBits:  12,
	higherHalfSplit: 0xffff000000000000,
}
