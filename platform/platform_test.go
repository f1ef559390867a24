package platform

import (
	"context"
	"errors"
	"runtime"
	"testing"
)

func TestLabelFor(t *testing.T) {
	cases := map[string]string{
		"ios":     "iOS",
		"darwin":  "macOS",
		"linux":   "Linux",
		"windows": "Windows",
		"plan9":   "plan9",
	}
	for goos, want := range cases {
		if got := LabelFor(goos); got != want {
			t.Errorf("LabelFor(%q) = %q, want %q", goos, got, want)
		}
	}
}

func TestLabelMatchesRuntime(t *testing.T) {
	if Label() != LabelFor(runtime.GOOS) {
		t.Fatalf("Label() = %q, want %q", Label(), LabelFor(runtime.GOOS))
	}
}

func TestStaticVersion(t *testing.T) {
	v, err := StaticVersion("17.0").Version(context.Background())
	if err != nil || v != "17.0" {
		t.Fatalf("got %q %v", v, err)
	}
}

func TestVersionFuncPassesErrorThrough(t *testing.T) {
	boom := errors.New("boom")
	_, err := VersionFunc(func(context.Context) (string, error) { return "", boom }).Version(context.Background())
	if err != boom {
		t.Fatalf("expect boom, got %v", err)
	}
}

func TestHostVersion(t *testing.T) {
	v, err := HostVersion{}.Version(context.Background())
	if err != nil {
		t.Skipf("host version unavailable: %v", err)
	}
	if v == "" {
		t.Fatal("expect a non-empty host version")
	}
}
