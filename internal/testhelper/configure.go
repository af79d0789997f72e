package testhelper

import (
	"fmt"
	"os"
	"testing"

	"gitlab.com/gitlab-org/shapesync/internal/log"
)

// Run silences the loggers, executes the test suite and fails it if
// goroutines outlived the tests. Each package's TestMain calls it.
func Run(m *testing.M) {
	if err := log.Configure(log.Loggers, "json", "panic"); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	code := m.Run()
	if code == 0 {
		if err := mustHaveNoGoroutines(); err != nil {
			fmt.Println(err)
			code = 1
		}
	}

	os.Exit(code)
}
