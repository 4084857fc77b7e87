// Ideaworks runs long-lived research and content agents for product
// ideas within short, bounded invocations.
//
// Each command runs one agent for one entity (a product idea id). A run
// that exhausts its time budget is checkpointed and the command exits
// with status 75; invoking the same command again resumes it.
//
// Usage:
//
//	ideaworks research <entity-id> <task...>                Research an idea
//	ideaworks critique <content-type> <entity-id> [file]    Draft, critique and save content
//	ideaworks rounds <run-id>                               Show critique rounds of a run
//	ideaworks history <entity-id>                           Show finished runs for an entity
//	ideaworks content <entity-id>                           List saved content for an entity
//	ideaworks prune                                         Delete expired state
//	ideaworks version                                       Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// exitPaused is EX_TEMPFAIL: the run is checkpointed and the same
// command should be invoked again.
const exitPaused = 75

// pausedError is returned by run when the agent paused rather than
// finished.
type pausedError struct {
	runID string
}

func (e *pausedError) Error() string {
	return fmt.Sprintf("run %s paused at its time budget; re-invoke the same command to resume", e.runID)
}

// main constructs the OS-level environment and delegates to [run] so the
// whole command can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s\n", err)
	var pe *pausedError
	if errors.As(err, &pe) {
		os.Exit(exitPaused)
	}
	os.Exit(1)
}

// run is the real entry point. Arguments are parsed by hand to keep
// package-level flag state out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	out := &printer{w: stdout, format: outputFmt}

	switch command {
	case "version":
		return runVersion(out)
	case "", "help":
		return printUsage(stdout)
	}

	app, err := setup(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	switch command {
	case "research":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: ideaworks research <entity-id> <task...>")
		}
		return app.runAgent(ctx, out, "research", cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "agent":
		if len(cmdArgs) < 3 {
			return fmt.Errorf("usage: ideaworks agent <kind> <entity-id> <task...>")
		}
		return app.runAgent(ctx, out, cmdArgs[0], cmdArgs[1], strings.Join(cmdArgs[2:], " "))
	case "critique":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: ideaworks critique <content-type> <entity-id> [source-file|-]")
		}
		source := ""
		if len(cmdArgs) > 2 {
			source = cmdArgs[2]
		}
		return app.runCritique(ctx, out, cmdArgs[0], cmdArgs[1], source)
	case "rounds":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: ideaworks rounds <run-id>")
		}
		return app.showRounds(ctx, out, cmdArgs[0])
	case "history":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: ideaworks history <entity-id>")
		}
		return app.showHistory(ctx, out, cmdArgs[0])
	case "content":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: ideaworks content <entity-id>")
		}
		return app.showContent(ctx, out, cmdArgs[0])
	case "prune":
		return app.prune(ctx, out)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ideaworks - research and content agents for product ideas")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ideaworks [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  research <entity> <task...>          Research an idea (resumes a paused run)")
	fmt.Fprintln(w, "  agent <kind> <entity> <task...>      Run a configured agent profile")
	fmt.Fprintln(w, "  critique <type> <entity> [file|-]    Draft, critique and save content")
	fmt.Fprintln(w, "  rounds <run-id>                      Show critique rounds of a run")
	fmt.Fprintln(w, "  history <entity>                     Show finished runs for an entity")
	fmt.Fprintln(w, "  content <entity>                     List saved content for an entity")
	fmt.Fprintln(w, "  prune                                Delete expired run state")
	fmt.Fprintln(w, "  version                              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "A paused run exits with status 75; run the same command again to resume it.")
	return nil
}
