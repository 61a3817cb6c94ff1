package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StorageChecker reports ready when the campaign root exists, is a
// directory, and accepts writes. The probe file is removed immediately.
func StorageChecker(root string) Checker {
	return Checker{
		Name: "storage",
		Check: func(_ context.Context) error {
			info, err := os.Stat(root)
			if err != nil {
				return fmt.Errorf("health: campaign root %q: %w", root, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("health: campaign root %q is not a directory", root)
			}
			probe := filepath.Join(root, ".health-probe")
			if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
				return fmt.Errorf("health: campaign root %q is not writable: %w", root, err)
			}
			return os.Remove(probe)
		},
	}
}

// QueueChecker reports ready when the party queue directory under the
// campaign root exists or can be created.
func QueueChecker(root string) Checker {
	return Checker{
		Name: "party_queue",
		Check: func(_ context.Context) error {
			dir := filepath.Join(root, "party")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("health: party queue dir %q: %w", dir, err)
			}
			return nil
		},
	}
}
