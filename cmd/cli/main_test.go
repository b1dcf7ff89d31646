package main

import (
	"testing"

	"judge-sandbox/internal/runtime"
)

func TestLanguageForFile(t *testing.T) {
	reg := runtime.NewDefaultRegistry()

	tests := map[string]string{
		"hello.py":        "python",
		"/tmp/sol.cpp":    "cpp",
		"Main.java":       "java",
		"dir.v2/index.js": "javascript",
		"prog.go":         "go",
		"a.c":             "c",
	}
	for path, want := range tests {
		got, err := languageForFile(reg, path)
		if err != nil {
			t.Errorf("languageForFile(%q): %v", path, err)
			continue
		}
		if got != want {
			t.Errorf("languageForFile(%q) = %q, want %q", path, got, want)
		}
	}

	if _, err := languageForFile(reg, "script.rb"); err == nil {
		t.Error("expected an error for an unknown extension")
	}
	if _, err := languageForFile(reg, "Makefile"); err == nil {
		t.Error("expected an error for a file without extension")
	}
}
