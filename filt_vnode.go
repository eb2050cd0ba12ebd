package kevent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type (
	// vnodeWatcher feeds FilterVnode registrations from fsnotify, for the
	// paths opened with Proc.OpenPath.
	vnodeWatcher struct {
		proc  *Proc
		w     *fsnotify.Watcher
		files map[string]map[*vnodeFile]struct{}
		done  chan struct{}
		mu    sync.Mutex
	}

	// vnodeFile is a descriptor for a watched path.
	vnodeFile struct {
		watcher *vnodeWatcher
		knotes  klist
		path    string
		mu      sync.Mutex
		size    int64
		deleted bool
	}

	// vnodeFilterOps implements FilterVnode. The hook is the accumulated
	// fflags, guarded by the vnodeFile lock.
	vnodeFilterOps struct {
		f *vnodeFile
	}
)

var (
	_ fileObject = (*vnodeFile)(nil)
	_ filterOps  = (*vnodeFilterOps)(nil)
)

func newVnodeWatcher(p *Proc, w *fsnotify.Watcher) *vnodeWatcher {
	x := &vnodeWatcher{
		proc:  p,
		w:     w,
		files: make(map[string]map[*vnodeFile]struct{}),
		done:  make(chan struct{}),
	}
	go x.run()
	return x
}

// OpenPath opens a descriptor for the file or directory at path, observable
// with FilterVnode.
func (p *Proc) OpenPath(path string) (int, error) {
	w, err := p.fsWatcher()
	if err != nil {
		return -1, fmt.Errorf("kevent: open %s: %w", path, err)
	}
	f, err := w.open(path)
	if err != nil {
		return -1, fmt.Errorf("kevent: open %s: %w", path, err)
	}
	fd, err := p.allocFD(f)
	if err != nil {
		w.release(f)
		return -1, err
	}
	return fd, nil
}

func (x *vnodeWatcher) open(path string) (*vnodeFile, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f := &vnodeFile{watcher: x, path: path, size: info.Size()}

	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.files[path]
	if set == nil {
		if err := x.w.Add(path); err != nil {
			return nil, err
		}
		set = make(map[*vnodeFile]struct{})
		x.files[path] = set
	}
	set[f] = struct{}{}
	return f, nil
}

func (x *vnodeWatcher) release(f *vnodeFile) {
	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.files[f.path]
	delete(set, f)
	if len(set) == 0 && set != nil {
		delete(x.files, f.path)
		// fails if the path was removed, which also removes the watch
		_ = x.w.Remove(f.path)
	}
}

func (x *vnodeWatcher) close() {
	_ = x.w.Close()
	<-x.done
}

func (x *vnodeWatcher) run() {
	defer close(x.done)
	for {
		select {
		case ev, ok := <-x.w.Events:
			if !ok {
				return
			}
			x.dispatch(ev)
		case err, ok := <-x.w.Errors:
			if !ok {
				return
			}
			x.proc.logger.Err().
				Err(err).
				Log(`file watcher failed`)
		}
	}
}

func (x *vnodeWatcher) dispatch(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)
	x.mu.Lock()
	var targets []*vnodeFile
	for f := range x.files[name] {
		targets = append(targets, f)
	}
	// entries changing within a watched directory
	dirNote := ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
	var dirs []*vnodeFile
	if dir := filepath.Dir(name); dir != name && dirNote {
		for f := range x.files[dir] {
			dirs = append(dirs, f)
		}
	}
	x.mu.Unlock()

	for _, f := range targets {
		f.notify(ev.Op)
	}
	for _, f := range dirs {
		f.notifyNote(NoteWrite)
	}
}

// notify maps an fsnotify operation on the watched path to vnode notes.
func (f *vnodeFile) notify(op fsnotify.Op) {
	var note uint32
	if op.Has(fsnotify.Write) || op.Has(fsnotify.Create) {
		note |= NoteWrite
		if info, err := os.Stat(f.path); err == nil {
			f.mu.Lock()
			if info.Size() > f.size {
				note |= NoteExtend
			}
			f.size = info.Size()
			f.mu.Unlock()
		}
	}
	if op.Has(fsnotify.Remove) {
		note |= NoteDelete
	}
	if op.Has(fsnotify.Rename) {
		note |= NoteRename
	}
	if op.Has(fsnotify.Chmod) {
		note |= NoteAttrib
	}
	if note != 0 {
		f.notifyNote(note)
	}
}

func (f *vnodeFile) notifyNote(note uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if note&NoteDelete != 0 {
		f.deleted = true
	}
	f.knotes.post(int64(note))
}

func (f *vnodeFile) kqfilter(_ *kqueue, filter Filter) (filterOps, error) {
	if filter != FilterVnode {
		return nil, EINVAL
	}
	return &vnodeFilterOps{f: f}, nil
}

func (f *vnodeFile) closeFile() {
	f.watcher.release(f)
}

func vnodePending(kn *knote) uint32 {
	v, _ := kn.hook.(uint32)
	return v
}

func (x *vnodeFilterOps) attach(kn *knote, kev *Kevent) (filterResult, error) {
	if kev.Fflags&^noteVnodeMask != 0 {
		return 0, EINVAL
	}
	x.f.mu.Lock()
	defer x.f.mu.Unlock()
	kn.hook = uint32(0)
	if x.f.deleted && kn.sfflags&NoteDelete != 0 {
		kn.hook = uint32(NoteDelete)
	}
	x.f.knotes.add(kn)
	return boolResult(vnodePending(kn) != 0), nil
}

func (x *vnodeFilterOps) detach(kn *knote) {
	x.f.mu.Lock()
	defer x.f.mu.Unlock()
	x.f.knotes.remove(kn)
}

func (x *vnodeFilterOps) event(kn *knote, hint int64) filterResult {
	pending := vnodePending(kn) | uint32(hint)&kn.sfflags
	kn.hook = pending
	return boolResult(pending != 0)
}

func (x *vnodeFilterOps) touch(kn *knote, kev *Kevent) (filterResult, error) {
	if kev.Fflags&^noteVnodeMask != 0 {
		return 0, EINVAL
	}
	x.f.mu.Lock()
	defer x.f.mu.Unlock()
	kn.sfflags = kev.Fflags
	kn.hook = vnodePending(kn) & kn.sfflags
	return boolResult(vnodePending(kn) != 0), nil
}

func (x *vnodeFilterOps) process(kn *knote, kev *Kevent) filterResult {
	x.f.mu.Lock()
	defer x.f.mu.Unlock()
	pending := vnodePending(kn)
	if pending == 0 {
		return 0
	}
	kev.Fflags = pending
	kn.hook = uint32(0)
	return resultActive
}

func (x *vnodeFilterOps) info() filterInfo { return filterInfo{fdBased: true} }
