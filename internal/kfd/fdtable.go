package kfd

import (
	"github.com/lyk-operating-system/LykOS/internal/kerrors"
	"github.com/lyk-operating-system/LykOS/internal/ksync"
)

var (
	errBadFd    = kerrors.New("kfd", "bad file descriptor")
	errNoFreeFd = kerrors.New("kfd", "no free file descriptor")
)

func init() {
	kerrors.RegisterErrno(errBadFd, kerrors.EBADF)
	kerrors.RegisterErrno(errNoFreeFd, kerrors.ENOMEM)
}

// Table is a fixed-capacity per-process file descriptor table: an array of
// optional file handles with a lock (§3 "fd table").
type Table struct {
	lock  ksync.Spinlock
	files []*File
}

// NewTable returns an empty table with room for capacity descriptors.
func NewTable(capacity int) *Table {
	return &Table{files: make([]*File, capacity)}
}

// Alloc installs f at the lowest free index and returns it, holding a
// reference to f on f's behalf (§4.7: "fd_alloc(table, file) -> fd
// scans linearly for the lowest files[i] == NULL, stores a held
// reference, and returns i").
func (t *Table) Alloc(f *File) (int, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	for i, slot := range t.files {
		if slot == nil {
			f.Hold()
			t.files[i] = f
			return i, nil
		}
	}
	return -1, errNoFreeFd
}

// Install places f at a caller-chosen index (used by syscall dispatch to
// implement dup2-style fixed redirection), holding a reference to f and
// dropping whatever previously occupied that slot.
func (t *Table) Install(fd int, f *File) error {
	t.lock.Acquire()
	defer t.lock.Release()
	if fd < 0 || fd >= len(t.files) {
		return errBadFd
	}
	f.Hold()
	if old := t.files[fd]; old != nil {
		old.Drop()
	}
	t.files[fd] = f
	return nil
}

// Free drops the reference held at fd and clears the slot.
func (t *Table) Free(fd int) error {
	t.lock.Acquire()
	defer t.lock.Release()
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return errBadFd
	}
	f := t.files[fd]
	t.files[fd] = nil
	f.Drop()
	return nil
}

// Get returns a held reference to the file at fd; the caller must Drop it
// when done (§4.7: "fd_get(table, fd) returns a held reference").
func (t *Table) Get(fd int) (*File, error) {
	t.lock.Acquire()
	defer t.lock.Release()
	if fd < 0 || fd >= len(t.files) || t.files[fd] == nil {
		return nil, errBadFd
	}
	f := t.files[fd]
	f.Hold()
	return f, nil
}

// Clone produces a child table of the same capacity; every non-null entry
// has its file's refcount bumped and is installed at the same index in the
// child (§4.7: "fd_table_clone(parent) -> child: same capacity; for
// every non-null entry, bump the file's refcount and install it in the
// child").
func (t *Table) Clone() *Table {
	t.lock.Acquire()
	defer t.lock.Release()

	child := NewTable(len(t.files))
	for i, f := range t.files {
		if f == nil {
			continue
		}
		f.Hold()
		child.files[i] = f
	}
	return child
}

// CloseAll drops every open descriptor, for process teardown.
func (t *Table) CloseAll() {
	t.lock.Acquire()
	files := make([]*File, len(t.files))
	copy(files, t.files)
	for i := range t.files {
		t.files[i] = nil
	}
	t.lock.Release()

	for _, f := range files {
		if f != nil {
			f.Drop()
		}
	}
}
