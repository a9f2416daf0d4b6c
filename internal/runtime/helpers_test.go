package runtime

import (
	"os"
	"path/filepath"
)

func writeKnowledge(dir string) error {
	return os.WriteFile(filepath.Join(dir, "flow.md"), []byte("Vanadium flow batteries store energy in liquid electrolytes.\n\nThey last for decades."), 0o644)
}
