package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".crewchat", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix profiles/test/daemon.sock", got)
	}
}

func TestDBPath(t *testing.T) {
	got := DBPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "crewchat.db")) {
		t.Errorf("DBPath(test) = %q, want suffix profiles/test/crewchat.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix profiles/test/LOCK", got)
	}
}
