// Package testing moves the working directory to the repository root so file
// based fixtures (logs/, .env) resolve the same way in every package's tests.
//
// Import it for side effects only:
//
//	import _ "liyu1981.xyz/agri-telemetry-service/pkg/testing"
package testing

import (
	"os"
	"path"
	"runtime"
)

func init() {
	_, filename, _, _ := runtime.Caller(0)
	root := path.Join(path.Dir(filename), "..", "..")
	if err := os.Chdir(root); err != nil {
		panic(err)
	}
	if os.Getenv("AGRI_LOG_DIR") == "" {
		_ = os.Setenv("AGRI_LOG_DIR", path.Join(os.TempDir(), "agri-telemetry-test-logs"))
	}
}
