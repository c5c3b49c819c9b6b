package kvfs

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lyk-operating-system/LykOS/internal/kpmm"
	"github.com/lyk-operating-system/LykOS/internal/kxarray"
)

// WatchOp indicates a change operation reported by a mount watcher.
type WatchOp uint32

const (
	OpCreate WatchOp = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// Event describes an external change to a watched mount's backing
// directory.
type Event struct {
	Path string
	Op   WatchOp
	Time time.Time
}

// MountWatcher watches a host directory backing a mounted VNODE object for
// external mutation and reports each change as an Event. It invalidates
// nothing itself: Vnode.Invalidate is a separate call, and nothing in this
// module starts a MountWatcher. Ground:
// internal/runtime/vfs/watch_fsnotify.go's FSNotifyWatcher, narrowed from
// a general-purpose Watcher interface to a single mounted directory.
type MountWatcher struct {
	w   *fsnotify.Watcher
	evC chan Event
	erC chan error
}

// WatchMount begins watching dir (the host directory backing a mounted
// vnode) for external changes.
func WatchMount(dir string) (*MountWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	mw := &MountWatcher{w: w, evC: make(chan Event, 128), erC: make(chan error, 1)}
	go mw.loop()
	return mw, nil
}

func (mw *MountWatcher) loop() {
	for {
		select {
		case ev, ok := <-mw.w.Events:
			if !ok {
				return
			}
			var op WatchOp
			if ev.Op&fsnotify.Create != 0 {
				op |= OpCreate
			}
			if ev.Op&fsnotify.Write != 0 {
				op |= OpWrite
			}
			if ev.Op&fsnotify.Remove != 0 {
				op |= OpRemove
			}
			if ev.Op&fsnotify.Rename != 0 {
				op |= OpRename
			}
			if ev.Op&fsnotify.Chmod != 0 {
				op |= OpChmod
			}
			mw.evC <- Event{Path: ev.Name, Op: op, Time: time.Now()}
		case err, ok := <-mw.w.Errors:
			if !ok {
				return
			}
			mw.erC <- err
		}
	}
}

// Events reports changes to the watched mount.
func (mw *MountWatcher) Events() <-chan Event { return mw.evC }

// Errors reports watcher-internal errors.
func (mw *MountWatcher) Errors() <-chan error { return mw.erC }

// Close stops the watcher.
func (mw *MountWatcher) Close() error { return mw.w.Close() }

// Invalidate drops every cached page of vn, returning its frames to the
// buddy allocator and forcing the next read to go back through vn's ops
// (used after an Event reports the backing file changed underneath a
// mounted vnode).
func (vn *Vnode) Invalidate() {
	vn.lock.Acquire()
	defer vn.lock.Release()
	vn.pageCache.All(func(_ uint64, v interface{}) bool {
		if f, ok := v.(kpmm.Frame); ok {
			_ = kpmm.FreeFrame(f, 0)
		}
		return true
	})
	vn.pageCache = kxarray.New()
}
