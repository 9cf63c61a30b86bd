// Command cutover drives a phased migration from an old service
// implementation to a new one.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nholik/cutover/internal/faults"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, in io.Reader, out, errOut io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{in: in, out: out, errOut: errOut}
	return a.execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	err := root.ExecuteContext(ctx)
	if err != nil && !a.started && faults.KindOf(err) == "" {
		// Parsing failed before any command ran.
		err = faults.Validation("usage", err)
	}
	if err != nil {
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
	}
	return faults.ExitCode(err)
}
