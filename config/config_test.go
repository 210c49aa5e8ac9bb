package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mieweb/indexedcp/test"
)

func TestNew_Defaults(t *testing.T) {
	conf := New()
	test.StrEquals(t, ":3000", conf.ListenHTTP)
	test.StrEquals(t, "uploads", conf.OutputDir)
	test.Int64Equals(t, 1024*1024, conf.ChunkSize)
	test.Int64Equals(t, int64(DefaultChunkRetries), int64(conf.ChunkRetries))
	test.Int64Equals(t, 1, int64(conf.UploadConcurrency))
}

func TestLoadFromFile_AllSettings(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "server.conf")
	contents := `ListenHTTP :1234
ServerAddr upload.example.com
APIKey icp_sometestkey
OutputDir ~/some/dir
BufferDir /var/cache/icp
ChunkSize 2M
ChunkRetries 3
RetryBackoff 250ms
UploadConcurrency 4
FileSizeLimit 1G
SessionExpireAfter 2d
CompletedRetain 10m
`
	if err := os.WriteFile(filename, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	os.Setenv("HOME", "/home/dir")

	conf, err := LoadFromFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, ":1234", conf.ListenHTTP)
	test.StrEquals(t, "http://upload.example.com:3000", conf.ServerAddr)
	test.StrEquals(t, "icp_sometestkey", conf.APIKey)
	test.StrEquals(t, "/home/dir/some/dir", conf.OutputDir)
	test.StrEquals(t, "/var/cache/icp", conf.BufferDir)
	test.Int64Equals(t, 2*1024*1024, conf.ChunkSize)
	test.Int64Equals(t, 3, int64(conf.ChunkRetries))
	test.Int64Equals(t, int64(250*time.Millisecond), int64(conf.RetryBackoff))
	test.Int64Equals(t, 4, int64(conf.UploadConcurrency))
	test.Int64Equals(t, 1024*1024*1024, conf.FileSizeLimit)
	test.Int64Equals(t, int64(48*time.Hour), int64(conf.SessionExpireAfter))
	test.Int64Equals(t, int64(10*time.Minute), int64(conf.CompletedRetain))
}

func TestLoadFromFile_CommentsAndEmptyLines(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "server.conf")
	contents := `# This is a comment
APIKey icp_key

# OutputDir is commented out
`
	if err := os.WriteFile(filename, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	conf, err := LoadFromFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, "icp_key", conf.APIKey)
	test.StrEquals(t, DefaultOutputDir, conf.OutputDir)
}

func TestLoadFromFile_InvalidListenHTTP(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "server.conf")
	if err := os.WriteFile(filename, []byte("ListenHTTP not a listen address\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(filename); err == nil {
		t.Fatalf("expected error, got none")
	}
}

func TestLoadFromFile_InvalidUploadConcurrency(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "server.conf")
	if err := os.WriteFile(filename, []byte("UploadConcurrency 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(filename); err == nil {
		t.Fatalf("expected error, got none")
	}
}

func TestLoadFromFile_DoesNotExist(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.conf")); err == nil {
		t.Fatalf("expected error, got none")
	}
}

func TestExpandServerAddr_Expand(t *testing.T) {
	test.StrEquals(t, "http://myhost:3000", ExpandServerAddr("myhost"))
}

func TestExpandServerAddr_WithPort(t *testing.T) {
	test.StrEquals(t, "http://myhost:1234", ExpandServerAddr("myhost:1234"))
}

func TestExpandServerAddr_AlreadyExpanded(t *testing.T) {
	test.StrEquals(t, "https://myhost:1234", ExpandServerAddr("https://myhost:1234/"))
}

func TestCollapseServerAddr_Collapse(t *testing.T) {
	test.StrEquals(t, "myhost", CollapseServerAddr("http://myhost:3000"))
}

func TestCollapseServerAddr_NonDefaultPort(t *testing.T) {
	test.StrEquals(t, "myhost:1234", CollapseServerAddr("myhost:1234"))
}

func TestFileFromName_OverrideConfigDir(t *testing.T) {
	os.Setenv(EnvConfigDir, "/tmp/icp-config")
	defer os.Unsetenv(EnvConfigDir)
	test.StrEquals(t, "/tmp/icp-config/server.conf", FileFromName("server"))
}
