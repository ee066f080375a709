// Log rotation tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWriterRequiresName(t *testing.T) {
	if _, err := NewRotatingFileWriter("", RotationConfig{}); err == nil {
		t.Fatal("expected error for empty filename")
	}
}

func TestRotatingFileWriterRotates(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "logs", "ampel.log")

	w, err := NewRotatingFileWriter(name, RotationConfig{MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()
	w.maxSize = 16

	for _, line := range []string{"first-line-xxxx\n", "second-line-xxx\n", "third-line-xxxx\n", "fourth-line-xxx\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	cur, _ := os.ReadFile(name)
	if string(cur) != "fourth-line-xxx\n" {
		t.Errorf("active file = %q", cur)
	}
	b1, _ := os.ReadFile(name + ".1")
	if string(b1) != "third-line-xxxx\n" {
		t.Errorf("backup 1 = %q", b1)
	}
	b2, _ := os.ReadFile(name + ".2")
	if string(b2) != "second-line-xxx\n" {
		t.Errorf("backup 2 = %q", b2)
	}
	if _, err := os.Stat(name + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected at most 2 backups")
	}
}

func TestRotatingFileWriterAppends(t *testing.T) {
	name := filepath.Join(t.TempDir(), "a.log")
	if err := os.WriteFile(name, []byte("old\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := NewRotatingFileWriter(name, RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if w.CurrentSize() != 4 {
		t.Errorf("CurrentSize = %d, want 4", w.CurrentSize())
	}
	w.Write([]byte("new\n"))
	w.Close()
	if _, err := w.Write([]byte("late")); err == nil {
		t.Error("expected write after close to fail")
	}
	data, _ := os.ReadFile(name)
	if !strings.HasPrefix(string(data), "old\nnew\n") {
		t.Errorf("unexpected content %q", data)
	}
}
