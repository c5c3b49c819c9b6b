package kfd

import (
	"golang.org/x/sys/unix"
)

// Vec is one scatter/gather buffer, shaped after unix.Iovec's
// (base, length) pair: the core's internal uio descriptor never touches a
// raw pointer, but mirrors the same vector-of-buffers layout so it
// converts to a real unix.Iovec set directly when a uio targets an actual
// host file descriptor (§4.7's uio_op; ground: the vectored-transfer
// style of internal/runtime/asyncio's zerocopy helpers, which pass real fds
// to golang.org/x/sys/unix).
type Vec struct {
	Buf []byte
}

// Uio is a scatter/gather I/O descriptor: a list of buffer vectors to be
// filled (read) or drained (write) in order, starting at Offset.
type Uio struct {
	Vecs   []Vec
	Offset int64
}

// Len returns the total byte capacity across every vector.
func (u *Uio) Len() int {
	n := 0
	for _, v := range u.Vecs {
		n += len(v.Buf)
	}
	return n
}

// ReadFile fills u's vectors in order from f, starting at u.Offset, and
// returns the total bytes read.
func ReadFile(f *File, u *Uio) (int, error) {
	off := u.Offset
	total := 0
	for _, v := range u.Vecs {
		if len(v.Buf) == 0 {
			continue
		}
		f.lock.Acquire()
		n, err := f.readAt(v.Buf, off)
		f.lock.Release()
		total += n
		off += int64(n)
		if err != nil {
			return total, err
		}
		if n < len(v.Buf) {
			break // short read: the underlying vnode is at EOF
		}
	}
	return total, nil
}

// WriteFile drains u's vectors in order into f, starting at u.Offset, and
// returns the total bytes written.
func WriteFile(f *File, u *Uio) (int, error) {
	off := u.Offset
	total := 0
	for _, v := range u.Vecs {
		if len(v.Buf) == 0 {
			continue
		}
		f.lock.Acquire()
		n, err := f.writeAt(v.Buf, off)
		f.lock.Release()
		total += n
		off += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// toUnixIovecs converts vecs into the real golang.org/x/sys/unix shape for
// a genuine readv(2)/writev(2) against a host file descriptor. Empty
// vectors are dropped, since &buf[0] on an empty slice would panic.
func toUnixIovecs(vecs []Vec) []unix.Iovec {
	out := make([]unix.Iovec, 0, len(vecs))
	for _, v := range vecs {
		if len(v.Buf) == 0 {
			continue
		}
		iov := unix.Iovec{Base: &v.Buf[0]}
		iov.SetLen(len(v.Buf))
		out = append(out, iov)
	}
	return out
}

// ReadvFd performs a real vectored read(2) against a host file descriptor
// fd. Nothing in this module calls it; the console CHR vnode reads stdin
// with a plain unix.Read.
func ReadvFd(fd int, vecs []Vec) (int, error) {
	return unix.Readv(fd, toUnixIovecs(vecs))
}

// WritevFd performs a real vectored write(2) against a host file
// descriptor fd. Nothing in this module calls it; cmd/lykoskernel's
// console vnode writes stdout with a plain unix.Write.
func WritevFd(fd int, vecs []Vec) (int, error) {
	return unix.Writev(fd, toUnixIovecs(vecs))
}
