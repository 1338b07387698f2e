package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the error returned by injected faults without an explicit Err.
var ErrInjected = errors.New("fs: injected fault")

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written TO THIS FILE. -1 to disable.
	FailOnSync     bool
	FailOnClose    bool
	FailOnRead     bool // Fail Read and ReadAt.
	FailOnWrite    bool // Fail Write and WriteAt.
	Times          int  // Remove the rule after it fired this many times. 0 keeps it.
	Err            error
}

// FaultyFS is a FileSystem wrapper that can inject errors.
//
// Rules are matched against the file name (substring) every time an
// operation runs, so faults can be added or cleared while files are open.
type FaultyFS struct {
	FS      FileSystem
	mu      sync.Mutex
	rules   map[string]Fault // Filename pattern -> Fault
	Default Fault            // Fallback

	written     int64
	globalLimit int64
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:          fs,
		rules:       make(map[string]Fault),
		Default:     Fault{FailAfterBytes: -1},
		globalLimit: -1,
	}
}

// GetWritten returns the total bytes written through this file system.
func (f *FaultyFS) GetWritten() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// SetLimit fails every write once the total written bytes would exceed limit.
// -1 disables the limit.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalLimit = limit
}

// AddRule adds a fault injection rule for a specific file pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// RemoveRule removes the rule for pattern.
func (f *FaultyFS) RemoveRule(pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, pattern)
}

// ClearRules removes all rules and the global limit.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.rules)
	f.globalLimit = -1
}

func (f *FaultyFS) faultFor(name string) (Fault, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fault, matched := f.Default, ""
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault, matched = rule, pattern
		}
	}
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	return fault, matched
}

// fire returns the error of a triggered fault. A counted rule is spent
// under the lock, so concurrent callers never see more failures than Times.
func (f *FaultyFS) fire(pattern string, fault Fault) error {
	if fault.Times == 0 || pattern == "" {
		return fault.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[pattern]
	if !ok || rule.Times <= 0 {
		return nil
	}
	rule.Times--
	if rule.Times == 0 {
		delete(f.rules, pattern)
	} else {
		f.rules[pattern] = rule
	}
	return fault.Err
}

// chargeGlobal accounts n bytes against the global limit.
func (f *FaultyFS) chargeGlobal(n int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.globalLimit >= 0 && f.written+int64(n) > f.globalLimit {
		return false
	}
	f.written += int64(n)
	return true
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

func (f *FaultyFS) Truncate(name string, size int64) error {
	return f.FS.Truncate(name, size)
}

type faultyFile struct {
	File
	fs   *FaultyFS
	name string

	mu      sync.Mutex
	written int64
}

func (ff *faultyFile) checkWrite(n int) error {
	fault, pattern := ff.fs.faultFor(ff.name)
	if fault.FailOnWrite {
		if err := ff.fs.fire(pattern, fault); err != nil {
			return err
		}
	}
	if fault.FailAfterBytes >= 0 {
		ff.mu.Lock()
		exceeded := ff.written+int64(n) > fault.FailAfterBytes
		ff.mu.Unlock()
		if exceeded {
			if err := ff.fs.fire(pattern, fault); err != nil {
				return err
			}
		}
	}
	if !ff.fs.chargeGlobal(n) {
		return fault.Err
	}
	return nil
}

func (ff *faultyFile) addWritten(n int) {
	if n <= 0 {
		return
	}
	ff.mu.Lock()
	ff.written += int64(n)
	ff.mu.Unlock()
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.checkWrite(len(p)); err != nil {
		return 0, err
	}
	n, err := ff.File.Write(p)
	ff.addWritten(n)
	return n, err
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.checkWrite(len(p)); err != nil {
		return 0, err
	}
	n, err := ff.File.WriteAt(p, off)
	ff.addWritten(n)
	return n, err
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if fault, pattern := ff.fs.faultFor(ff.name); fault.FailOnRead {
		if err := ff.fs.fire(pattern, fault); err != nil {
			return 0, err
		}
	}
	return ff.File.Read(p)
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if fault, pattern := ff.fs.faultFor(ff.name); fault.FailOnRead {
		if err := ff.fs.fire(pattern, fault); err != nil {
			return 0, err
		}
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if fault, pattern := ff.fs.faultFor(ff.name); fault.FailOnSync {
		if err := ff.fs.fire(pattern, fault); err != nil {
			return err
		}
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if fault, pattern := ff.fs.faultFor(ff.name); fault.FailOnClose {
		if err := ff.fs.fire(pattern, fault); err != nil {
			_ = ff.File.Close()
			return err
		}
	}
	return ff.File.Close()
}
