package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/mieweb/indexedcp/config"
	"github.com/mieweb/indexedcp/test"
)

func TestRunner_StartStop(t *testing.T) {
	conf := newTestServerConfig(t)
	conf.ListenHTTP = ":11080"
	runner := startTestRunner(t, conf)
	defer runner.Stop()

	test.WaitForPortUp(t, "11080")

	resp, err := http.Get("http://localhost:11080/v1/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	test.StrContains(t, string(body), `"serverAddr":"localhost:12345"`)

	if err := runner.Stop(); err != nil {
		t.Fatal(err)
	}
	test.WaitForPortDown(t, "11080")
}

func TestRunner_StopsOnContextCancel(t *testing.T) {
	conf := newTestServerConfig(t)
	conf.ListenHTTP = ":11081"
	runner, err := NewRunner(conf)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- runner.Start(ctx)
	}()

	test.WaitForPortUp(t, "11081")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after context cancel")
	}
}

func startTestRunner(t *testing.T, conf *config.Config) *Runner {
	runner, err := NewRunner(conf)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		if err := runner.Start(context.Background()); err != nil {
			panic(err) // 'go vet' complains about 't.Fatal(err)'
		}
	}()
	return runner
}
