package test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteFile writes content to dir/name, creating parent directories as needed, and
// returns the full path. It fails t if anything goes wrong.
func WriteFile(t *testing.T, dir string, name string, content string) string {
	filename := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filename, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

// WaitForPortUp waits up to 5s for a port to come up and fails t if that fails
func WaitForPortUp(t *testing.T, port string) {
	success := false
	for i := 0; i < 100; i++ {
		conn, _ := net.DialTimeout("tcp", net.JoinHostPort("localhost", port), 50*time.Millisecond)
		if conn != nil {
			success = true
			conn.Close()
			break
		}
	}
	if !success {
		t.Fatalf("Failed waiting for port %s to be UP", port)
	}
}

// WaitForPortDown waits up to 5s for a port to come down and fails t if that fails
func WaitForPortDown(t *testing.T, port string) {
	success := false
	for i := 0; i < 100; i++ {
		conn, _ := net.DialTimeout("tcp", net.JoinHostPort("", port), 50*time.Millisecond)
		if conn == nil {
			success = true
			break
		}
		conn.Close()
	}
	if !success {
		t.Fatalf("Failed waiting for port %s to be DOWN", port)
	}
}
