package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mieweb/indexedcp/buffer"
	"github.com/mieweb/indexedcp/config"
	"github.com/mieweb/indexedcp/crypto"
	"github.com/mieweb/indexedcp/server"
	"github.com/mieweb/indexedcp/test"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestClient_NewClientMissingServerAddr(t *testing.T) {
	conf := config.New()
	if _, err := NewClient(conf); err == nil {
		t.Fatalf("expected error, got none")
	}
}

func TestClient_ServerInfo(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()

	info, err := env.client.ServerInfo()
	if err != nil {
		t.Fatal(err)
	}
	test.BoolEquals(t, true, info.ProtectedWithKey)
}

func TestClient_VerifyCorrectKey(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()

	if err := env.client.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestClient_VerifyWrongKey(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()
	env.clientConfig.APIKey = "icp_wrongkey"

	err := env.client.Verify()
	if !errors.Is(err, server.ErrHTTPUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestClient_UploadBufferedFiles(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()
	filename := test.WriteFile(t, t.TempDir(), "report.txt", "uploaded in several chunks because the chunk size is tiny")

	entry, err := env.store.AddFile(context.Background(), filename)
	if err != nil {
		t.Fatal(err)
	}
	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, "report.txt", results[entry.Path])
	test.FileContent(t, filepath.Join(env.outputDir, "report.txt"), "uploaded in several chunks because the chunk size is tiny")

	got, err := env.store.Get(context.Background(), entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, string(buffer.StateCompleted), string(got.State))
	test.StrEquals(t, "report.txt", got.RemoteName)
}

func TestClient_UploadCollidingNames(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()
	dir1, dir2 := t.TempDir(), t.TempDir()
	file1 := test.WriteFile(t, dir1, "a.txt", "contents of the first a")
	file2 := test.WriteFile(t, dir2, "a.txt", "contents of the second a")

	first, err := env.store.AddFile(context.Background(), file1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.store.AddFile(context.Background(), file2)
	if err != nil {
		t.Fatal(err)
	}

	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, "a.txt", results[first.Path])
	test.StrEquals(t, "a_1.txt", results[second.Path])
	test.FileContent(t, filepath.Join(env.outputDir, "a.txt"), "contents of the first a")
	test.FileContent(t, filepath.Join(env.outputDir, "a_1.txt"), "contents of the second a")
}

func TestClient_UploadZeroLengthFile(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()
	filename := test.WriteFile(t, t.TempDir(), "empty.txt", "")

	entry, err := env.store.AddFile(context.Background(), filename)
	if err != nil {
		t.Fatal(err)
	}
	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, "empty.txt", results[entry.Path])
	test.FileContent(t, filepath.Join(env.outputDir, "empty.txt"), "")
}

func TestClient_UploadResumesFromServerOffset(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()
	content := "the first half was already received before the client restarted"
	filename := test.WriteFile(t, t.TempDir(), "resume.txt", content)

	// Simulate an interrupted earlier upload: open the session and send part of the
	// file directly, then let the client pick it up from there.
	fingerprint, err := crypto.FingerprintFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	id := env.openRawSession(t, fingerprint, int64(len(content)), "resume.txt")
	env.putRawChunk(t, id, 0, content[:30])

	entry, err := env.store.AddFile(context.Background(), filename)
	if err != nil {
		t.Fatal(err)
	}
	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, "resume.txt", results[entry.Path])
	test.FileContent(t, filepath.Join(env.outputDir, "resume.txt"), content)
}

func TestClient_UploadRetriesTransientErrors(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()
	failures := 2
	env.middleware = func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodPut && failures > 0 {
			failures--
			w.WriteHeader(http.StatusInternalServerError)
			return false
		}
		return true
	}
	filename := test.WriteFile(t, t.TempDir(), "flaky.txt", "gets through eventually")

	entry, err := env.store.AddFile(context.Background(), filename)
	if err != nil {
		t.Fatal(err)
	}
	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, "flaky.txt", results[entry.Path])
	test.FileContent(t, filepath.Join(env.outputDir, "flaky.txt"), "gets through eventually")
}

func TestClient_UploadWrongKeyAbortsAll(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()
	env.clientConfig.APIKey = "icp_wrongkey"
	dir := t.TempDir()
	file1 := test.WriteFile(t, dir, "one.txt", "one")
	file2 := test.WriteFile(t, dir, "two.txt", "two")

	if _, err := env.store.AddFile(context.Background(), file1); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.AddFile(context.Background(), file2); err != nil {
		t.Fatal(err)
	}

	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if !errors.Is(err, server.ErrHTTPUnauthorized) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no uploads, got %v", results)
	}
	test.FileNotExist(t, filepath.Join(env.outputDir, "one.txt"))
	test.FileNotExist(t, filepath.Join(env.outputDir, "two.txt"))
}

func TestClient_ChecksumMismatchRestartsOnce(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()
	corrupted := false
	env.middleware = func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodPut && !corrupted {
			corrupted = true
			body, _ := io.ReadAll(r.Body)
			for i := range body {
				body[i] ^= 0xff
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
		return true
	}
	filename := test.WriteFile(t, t.TempDir(), "mangled.txt", "short") // single chunk

	entry, err := env.store.AddFile(context.Background(), filename)
	if err != nil {
		t.Fatal(err)
	}
	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, "mangled.txt", results[entry.Path])
	test.FileContent(t, filepath.Join(env.outputDir, "mangled.txt"), "short")
}

func TestClient_UploadFailedFileDoesNotStopOthers(t *testing.T) {
	env := newTestEnvWithConfig(t, "icp_testkey", func(conf *config.Config) {
		conf.FileSizeLimit = 10
	})
	defer env.close()
	dir := t.TempDir()
	big := test.WriteFile(t, dir, "big.txt", "this one is over the limit")
	small := test.WriteFile(t, dir, "small.txt", "fits")

	bigEntry, err := env.store.AddFile(context.Background(), big)
	if err != nil {
		t.Fatal(err)
	}
	smallEntry, err := env.store.AddFile(context.Background(), small)
	if err != nil {
		t.Fatal(err)
	}

	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if err == nil {
		t.Fatalf("expected aggregate error for the rejected file, got none")
	}
	test.StrEquals(t, "small.txt", results[smallEntry.Path])

	failed, err := env.store.Get(context.Background(), bigEntry.ID)
	if err != nil {
		t.Fatal(err)
	}
	test.StrEquals(t, string(buffer.StateFailed), string(failed.State))
}

func TestClient_UploadNothingPending(t *testing.T) {
	env := newTestEnv(t, "icp_testkey")
	defer env.close()

	results, err := env.client.UploadBufferedFiles(context.Background(), env.store)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %v", results)
	}
}

type testEnv struct {
	server       *server.Server
	httpServer   *httptest.Server
	serverConfig *config.Config
	clientConfig *config.Config
	client       *Client
	store        *buffer.Store
	outputDir    string

	// middleware runs before the server handler; returning false swallows the request
	middleware func(w http.ResponseWriter, r *http.Request) bool
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	return newTestEnvWithConfig(t, apiKey, nil)
}

func newTestEnvWithConfig(t *testing.T, apiKey string, configure func(conf *config.Config)) *testEnv {
	env := &testEnv{outputDir: t.TempDir()}

	env.serverConfig = config.New()
	env.serverConfig.ListenHTTP = ":12345"
	env.serverConfig.APIKey = apiKey
	env.serverConfig.OutputDir = env.outputDir
	if configure != nil {
		configure(env.serverConfig)
	}
	srv, err := server.New(env.serverConfig)
	if err != nil {
		t.Fatal(err)
	}
	env.server = srv
	env.httpServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if env.middleware != nil && !env.middleware(w, r) {
			return
		}
		srv.Handle(w, r)
	}))

	env.clientConfig = config.New()
	env.clientConfig.ServerAddr = env.httpServer.URL
	env.clientConfig.APIKey = apiKey
	env.clientConfig.ChunkSize = 8
	env.clientConfig.ChunkRetries = 3
	env.clientConfig.RetryBackoff = 10 * time.Millisecond
	env.client, err = NewClient(env.clientConfig)
	if err != nil {
		t.Fatal(err)
	}

	env.store, err = buffer.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func (env *testEnv) close() {
	env.httpServer.Close()
	env.store.Close()
}

// openRawSession opens a session over plain HTTP, bypassing the client code
func (env *testEnv) openRawSession(t *testing.T, fingerprint string, size int64, name string) string {
	body, _ := json.Marshal(&server.SessionOpenRequest{Fingerprint: fingerprint, Size: size, Name: name})
	req, _ := http.NewRequest("POST", env.httpServer.URL+"/v1/sessions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+env.serverConfig.APIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code %d", resp.StatusCode)
	}
	var status server.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	return status.SessionID
}

// putRawChunk sends a single chunk over plain HTTP, bypassing the client code
func (env *testEnv) putRawChunk(t *testing.T, id string, offset int64, chunk string) {
	req, _ := http.NewRequest("PUT", env.httpServer.URL+"/v1/sessions/"+id, strings.NewReader(chunk))
	req.Header.Set(server.HeaderOffset, strconv.FormatInt(offset, 10))
	req.Header.Set("Authorization", "Bearer "+env.serverConfig.APIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code %d", resp.StatusCode)
	}
}
