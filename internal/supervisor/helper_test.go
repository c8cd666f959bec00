package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

const helperEnv = "SUPERVISOR_TEST_HELPER"

// TestMain lets the test binary double as the child process.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		runHelper(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelper(mode string) {
	switch mode {
	case "echo":
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			fmt.Println(sc.Text())
		}
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println(`{"ignoring":"SIGTERM"}`)
		time.Sleep(time.Minute)
	case "exit3":
		os.Exit(3)
	case "env":
		fmt.Printf("{\"db\":%q}\n", os.Getenv("LIFECYCLE_DB"))
		time.Sleep(time.Minute)
	}
}

func helperSpec(mode string) Spec {
	return Spec{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^$"},
		Env:         []string{helperEnv + "=" + mode},
		SettleDelay: 20 * time.Millisecond,
	}
}
