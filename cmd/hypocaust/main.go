// Command hypocaust boots one or more RISC-V guest kernels under the
// software-only shadow-page-table hypervisor.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/hypocaust-go/hypocaust/internal/bootcfg"
	"github.com/hypocaust-go/hypocaust/internal/hvlog"
	"github.com/hypocaust-go/hypocaust/internal/hypervisor"
	"golang.org/x/term"
)

// ExitError carries a process exit code through to main so deep call sites
// can request a specific exit status without every layer plumbing one
// through by hand.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func main() {
	if err := run(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Err)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to the boot configuration YAML file")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := hvlog.New(level)

	if *configPath == "" {
		return &ExitError{Code: 2, Err: fmt.Errorf("hypocaust: -config is required")}
	}

	cfg, err := bootcfg.Load(*configPath)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	hv, err := hypervisor.Boot(cfg, log)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	log.Info("hypervisor booted", "guests", len(hv.Guests))
	return nil
}
