// Package testlib provides common test utilities.
package testlib

import (
	"io/ioutil"
	"net"
	"os"
	"strings"
	"testing"
)

// MustTempDir creates a temporary directory, or dies trying.
func MustTempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "testlib_")
	if err != nil {
		t.Fatal(err)
	}

	err = os.Chdir(dir)
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("test directory: %q", dir)
	return dir
}

// RemoveIfOk removes the given directory, but only if we have not failed. We
// want to keep the failed directories for debugging.
func RemoveIfOk(t *testing.T, dir string) {
	// Safeguard, to make sure we only remove test directories.
	// This should help prevent accidental deletions.
	if !strings.Contains(dir, "testlib_") {
		panic("invalid/dangerous directory")
	}

	if !t.Failed() {
		os.RemoveAll(dir)
	}
}

// Rewrite the given file with the given contents, or dies trying.
func Rewrite(t *testing.T, path, contents string) {
	if !strings.Contains(path, "testlib_") {
		panic("invalid/dangerous path")
	}

	err := ioutil.WriteFile(path, []byte(contents), 0660)
	if err != nil {
		t.Fatal(err)
	}
}

// GetFreePort returns a free TCP port on localhost, in "ip:port" form, for
// tests that need to bind a listener without a fixed, possibly-conflicting
// port number.
func GetFreePort() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return ""
	}
	defer l.Close()

	return l.Addr().String()
}
