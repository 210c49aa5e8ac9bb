package util

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestExpandHome_WithTilde(t *testing.T) {
	os.Setenv("HOME", "/home/dir")
	if expanded := ExpandHome("~/this/is/a/path"); expanded != "/home/dir/this/is/a/path" {
		t.Fatalf("unexpected path: %s", expanded)
	}
}

func TestExpandHome_NoTilde(t *testing.T) {
	if expanded := ExpandHome("/this/is/an/absolute/path"); expanded != "/this/is/an/absolute/path" {
		t.Fatalf("unexpected path: %s", expanded)
	}
}

func TestCollapseHome_HasHomePrefix(t *testing.T) {
	os.Setenv("HOME", "/home/dir")
	if collapsed := CollapseHome("/home/dir/this/is/a/path"); collapsed != "~/this/is/a/path" {
		t.Fatalf("unexpected path: %s", collapsed)
	}
}

func TestCollapseHome_NoHomePrefix(t *testing.T) {
	os.Setenv("HOME", "/home/dir")
	if collapsed := CollapseHome("/somewhere/else"); collapsed != "/somewhere/else" {
		t.Fatalf("unexpected path: %s", collapsed)
	}
}

func TestBytesToHuman_Small(t *testing.T) {
	if human := BytesToHuman(10); human != "10 B" {
		t.Fatalf("unexpected value: %s", human)
	}
}

func TestBytesToHuman_Large(t *testing.T) {
	if human := BytesToHuman(10 * 1024 * 1024); human != "10.0 MB" {
		t.Fatalf("unexpected value: %s", human)
	}
}

func TestParseDuration_SecondsOnly(t *testing.T) {
	d, err := ParseDuration("3600")
	if err != nil {
		t.Fatal(err)
	}
	if d != time.Hour {
		t.Fatalf("unexpected duration: %v", d)
	}
}

func TestParseDuration_WithDaysSuffix(t *testing.T) {
	d, err := ParseDuration("10d")
	if err != nil {
		t.Fatal(err)
	}
	if d != 10*24*time.Hour {
		t.Fatalf("unexpected duration: %v", d)
	}
}

func TestParseDuration_GoFormat(t *testing.T) {
	d, err := ParseDuration("500ms")
	if err != nil {
		t.Fatal(err)
	}
	if d != 500*time.Millisecond {
		t.Fatalf("unexpected duration: %v", d)
	}
}

func TestParseSize_10G(t *testing.T) {
	s, err := ParseSize("10G")
	if err != nil {
		t.Fatal(err)
	}
	if s != 10*1024*1024*1024 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestParseSize_NoUnit(t *testing.T) {
	s, err := ParseSize("1234")
	if err != nil {
		t.Fatal(err)
	}
	if s != 1234 {
		t.Fatalf("unexpected size: %d", s)
	}
}

func TestParseSize_Invalid(t *testing.T) {
	if _, err := ParseSize("not a size"); err == nil {
		t.Fatalf("expected error, got none")
	}
}

func TestReadAPIKey_FromReader(t *testing.T) {
	key, err := ReadAPIKey(strings.NewReader("icp_somekey\n"))
	if err != nil {
		t.Fatal(err)
	}
	if key != "icp_somekey" {
		t.Fatalf("unexpected key: %s", key)
	}
}

func TestReadAPIKey_NoNewline(t *testing.T) {
	key, err := ReadAPIKey(strings.NewReader("icp_somekey"))
	if err != nil {
		t.Fatal(err)
	}
	if key != "icp_somekey" {
		t.Fatalf("unexpected key: %s", key)
	}
}
