package terminal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// WriteCredentialFile writes the workload credentials as an env file readable
// only by the spawning identity. The returned cleanup deletes the file; every
// session-end path and the spawn-failure path must release it.
func WriteCredentialFile(path string, creds map[string]string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential dir: %w", err)
	}

	var b strings.Builder
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, creds[k])
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write credential file: %w", err)
	}

	cleanup := func() {
		os.Remove(path)
	}

	return cleanup, nil
}
