package stub

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alucardeht/toolbridge/internal/config"
)

const (
	EnvMode  = "TOOLBRIDGE_STUB_MODE"
	EnvDelay = "TOOLBRIDGE_STUB_DELAY"
)

// MainFromEnv turns the running binary into a stub host when EnvMode is set,
// serving stdio and exiting. Test binaries call it first thing in TestMain.
func MainFromEnv() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}

	delay, _ := time.ParseDuration(os.Getenv(EnvDelay))
	if err := Serve(context.Background(), os.Stdin, os.Stdout, Options{Mode: Mode(mode), Delay: delay}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// SelfProcess returns a process config that re-executes the current binary
// as a stub host in the given mode.
func SelfProcess(mode Mode, delay time.Duration) config.ProcessConfig {
	pc := config.Default().Process
	pc.Command = os.Args[0]
	pc.Args = []string{"-test.run=^$"}
	pc.Env = []string{EnvMode + "=" + string(mode)}
	if delay > 0 {
		pc.Env = append(pc.Env, EnvDelay+"="+delay.String())
	}
	pc.ShutdownGrace = 500 * time.Millisecond
	return pc
}
