package terminal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteCredentialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "session.env")

	cleanup, err := WriteCredentialFile(path, map[string]string{
		"SPLUNK_HEC_TOKEN": "hec-secret",
		"GRAFANA_URL":      "https://grafana.local",
	})
	if err != nil {
		t.Fatalf("WriteCredentialFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "GRAFANA_URL=https://grafana.local\nSPLUNK_HEC_TOKEN=hec-secret\n"
	if string(data) != want {
		t.Errorf("content = %q, want %q", data, want)
	}

	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("cleanup should delete the credential file")
	}
}

func TestWriteCredentialFile_CleanupIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.env")

	cleanup, err := WriteCredentialFile(path, map[string]string{"KEY": "value"})
	if err != nil {
		t.Fatalf("WriteCredentialFile: %v", err)
	}

	cleanup()
	cleanup() // second release is harmless
}
