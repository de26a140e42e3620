// Package body implements the session's DATA payload storage: a readable,
// seekable byte stream backed by an unlinked temporary file, so a captured
// or filtered message body never has to fit in memory and its storage is
// reclaimed as soon as the handle is closed.
package body

import (
	"io"
	"io/ioutil"
	"os"
)

// Handle is a movable, file-backed byte stream holding a DATA payload.
// The zero value is not usable; construct one with New or FromReader.
type Handle struct {
	f *os.File
}

// New creates an empty body handle backed by a fresh unlinked temp file.
func New() (*Handle, error) {
	f, err := ioutil.TempFile("", "smtprelay-body-")
	if err != nil {
		return nil, err
	}

	// Unlink right away: f stays valid until Close, and the storage is
	// reclaimed the moment that happens, whether or not the process exits
	// cleanly in between.
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, err
	}

	return &Handle{f: f}, nil
}

// FromReader drains r into a fresh body handle and rewinds it to zero.
func FromReader(r io.Reader) (*Handle, error) {
	h, err := New()
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(h.f, r); err != nil {
		h.Close()
		return nil, err
	}

	if err := h.Reset(); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

// Write appends to the handle at its current position.
func (h *Handle) Write(p []byte) (int, error) {
	return h.f.Write(p)
}

// Read reads from the handle at its current position.
func (h *Handle) Read(p []byte) (int, error) {
	return h.f.Read(p)
}

// Reset seeks the handle back to position zero. Callers must Reset before
// streaming a handle onward, and after writing into one they intend to
// then read.
func (h *Handle) Reset() error {
	_, err := h.f.Seek(0, io.SeekStart)
	return err
}

// File exposes the backing *os.File, e.g. to inspect its name. The filter
// pipeline does not use it: it feeds a handle to its first stage through
// a pipe written by a goroutine.
func (h *Handle) File() *os.File {
	return h.f
}

// Close releases the handle's backing storage.
func (h *Handle) Close() error {
	return h.f.Close()
}
