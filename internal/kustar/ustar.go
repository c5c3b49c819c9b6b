// Package kustar implements a USTAR archive loader: it walks 512-byte
// tar records and recreates each entry through the VFS veneer (§6
// "USTAR/logging-format notes", scenario S1 "USTAR load"). Ground: the
// original kernel's ustar_extract/create_path (original_source/kernel/
// source/fs/ustar.c, include/fs/ustar.h) for the record layout, the
// magic/checksum validation, and the create-intermediate-directories
// walk; rewritten against this module's kvfs.VFS instead of that
// implementation's vfs_lookup/vfs_create/vfs_write C calls, in the same
// field-by-field parsing style SeleniaProject-Orizon's own binary-format
// readers use (explicit byte offsets into a fixed-width buffer, no external tar
// library pulled in since the pack carries none).
package kustar

import (
	"strconv"
	"strings"

	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/kvfs"
)

const blockSize = 512

// typeflag values this loader recognizes; every other flag is skipped,
// matching the original's switch that only handles USTAR_DIRECTORY and
// USTAR_REGULAR.
const (
	typeRegular    = '0'
	typeRegularNul = 0
	typeDirectory  = '5'
)

// header mirrors ustar_header_t's field layout byte-for-byte.
type header struct {
	name     [100]byte
	mode     [8]byte
	uid      [8]byte
	gid      [8]byte
	size     [12]byte
	mtime    [12]byte
	checksum [8]byte
	typeflag byte
	linkname [100]byte
	magic    [6]byte
	version  [2]byte
	uname    [32]byte
	gname    [32]byte
	devmajor [8]byte
	devminor [8]byte
	prefix   [155]byte
	_        [12]byte
}

var errTruncated = kerrors.New("kustar", "truncated archive record")

func init() {
	kerrors.RegisterErrno(errTruncated, kerrors.EINVAL)
}

func parseOctal(b []byte) uint64 {
	var result uint64
	for _, c := range b {
		if c < '0' || c > '7' {
			break
		}
		result = (result << 3) + uint64(c-'0')
	}
	return result
}

func cString(b []byte) string {
	if i := indexZero(b); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func parseHeader(rec []byte) header {
	var h header
	copy(h.name[:], rec[0:100])
	copy(h.mode[:], rec[100:108])
	copy(h.uid[:], rec[108:116])
	copy(h.gid[:], rec[116:124])
	copy(h.size[:], rec[124:136])
	copy(h.mtime[:], rec[136:148])
	copy(h.checksum[:], rec[148:156])
	h.typeflag = rec[156]
	copy(h.linkname[:], rec[157:257])
	copy(h.magic[:], rec[257:263])
	copy(h.version[:], rec[263:265])
	copy(h.uname[:], rec[265:297])
	copy(h.gname[:], rec[297:329])
	copy(h.devmajor[:], rec[329:337])
	copy(h.devminor[:], rec[337:345])
	copy(h.prefix[:], rec[345:500])
	return h
}

func (h *header) size_() int64 { return int64(parseOctal(h.size[:])) }

func (h *header) isUstar() bool {
	return string(h.magic[:5]) == "ustar"
}

// validChecksum recomputes the unsigned-byte sum with the checksum
// field itself treated as eight ASCII spaces, the same substitution
// ustar_validate_checksum applies.
func validChecksum(rec []byte, h *header) bool {
	stored := parseOctal(h.checksum[:])
	var sum uint64
	for i, b := range rec[:blockSize] {
		if i >= 148 && i < 156 {
			sum += uint64(' ')
		} else {
			sum += uint64(b)
		}
	}
	return sum == stored
}

func (h *header) fullPath() string {
	prefix := cString(h.prefix[:])
	name := cString(h.name[:])
	if prefix != "" {
		return prefix + name
	}
	return name
}

// Extract walks archive, a byte-for-byte in-memory USTAR image, and
// recreates every directory and regular-file entry beneath dest in vfs
// (scenario S1: "after ustar_extract(archive, '/'), vfs_lookup
// succeeds"). Any record whose magic or checksum doesn't validate is
// skipped, mirroring the original loader's tolerance for non-ustar or
// corrupt blocks rather than aborting the whole archive.
func Extract(vfs *kvfs.VFS, archive []byte, dest string) error {
	offset := 0
	for offset+blockSize <= len(archive) {
		rec := archive[offset : offset+blockSize]
		if rec[0] == 0 {
			break // two zero blocks (or a lone one, tolerated) mark archive end
		}

		h := parseHeader(rec)
		if !h.isUstar() {
			offset += blockSize
			continue
		}
		if !validChecksum(rec, &h) {
			offset += blockSize
			continue
		}

		size := h.size_()
		offset += blockSize

		path := joinPath(dest, h.fullPath())

		switch h.typeflag {
		case typeDirectory:
			if _, err := createPath(vfs, path, true); err != nil {
				return err
			}
		case typeRegular, typeRegularNul:
			vn, err := createPath(vfs, path, false)
			if err != nil {
				return err
			}
			if size > 0 {
				if int64(offset)+size > int64(len(archive)) {
					return errTruncated
				}
				if _, err := kvfs.Write(vn, archive[offset:int64(offset)+size], 0); err != nil {
					return err
				}
			}
		default:
			// hardlink/symlink/device/fifo entries are not modeled by
			// this kernel's vnode types and are silently skipped, as
			// the original loader's switch default does.
		}

		blocks := (size + blockSize - 1) / blockSize
		offset += int(blocks) * blockSize
	}
	return nil
}

func joinPath(dest, entry string) string {
	entry = strings.TrimPrefix(entry, "/")
	if dest == "" || dest == "/" {
		return "/" + entry
	}
	return strings.TrimSuffix(dest, "/") + "/" + entry
}

// createPath walks path component by component, creating any missing
// intermediate vnode, the same incremental lookup-or-create loop
// create_path performs (the original builds the running prefix path
// and calls vfs_lookup then vfs_create on a miss).
func createPath(vfs *kvfs.VFS, path string, isDir bool) (*kvfs.Vnode, error) {
	components := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	var vn *kvfs.Vnode

	for i, c := range components {
		if c == "" {
			continue
		}
		current += "/" + c
		isLast := i == len(components)-1

		typ := kvfs.Dir
		if isLast && !isDir {
			typ = kvfs.Reg
		}

		found, err := vfs.Lookup(current)
		if err == nil {
			vn = found
			continue
		}

		created, err := vfs.Create(current, typ)
		if err != nil {
			return nil, err
		}
		vn = created
	}
	return vn, nil
}

// octalField renders n as a fixed-width, NUL-terminated octal field,
// kept for symmetry with the reader (unused by Extract; the package tests'
// buildHeader uses it to build fixture records).
func octalField(n uint64, width int) []byte {
	s := strconv.FormatUint(n, 8)
	out := make([]byte, width)
	for i := range out {
		out[i] = '0'
	}
	if len(s) <= width {
		copy(out[width-len(s):], s)
	}
	return out
}
