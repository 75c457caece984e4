// Package cli implements orchestratorctl, the operator command line for a
// running orchestrator.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Run dispatches args (without the program name) and writes to stdout.
func Run(args []string) error {
	return run(context.Background(), args, os.Stdout)
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printRootUsage(out)
		return nil
	}

	switch args[0] {
	case "submit":
		return runSubmit(ctx, args[1:], out)
	case "jobs":
		return runJobs(ctx, args[1:], out)
	case "job":
		return runJob(ctx, args[1:], out)
	case "logs":
		return runLogs(ctx, args[1:], out)
	case "batches":
		return runBatches(ctx, args[1:], out)
	case "stop-batch":
		return runStopBatch(ctx, args[1:], out)
	case "watch":
		return runWatch(ctx, args[1:], out)
	case "help", "-h", "--help":
		printRootUsage(out)
		return nil
	default:
		printRootUsage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage(out io.Writer) {
	fmt.Fprintln(out, "orchestratorctl: operate a media job orchestrator")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  submit      submit a bulk upload (files, or --dir with an optional CSV --manifest)")
	fmt.Fprintln(out, "  jobs        list bulk upload jobs, newest first")
	fmt.Fprintln(out, "  job <id>    show one job and its items")
	fmt.Fprintln(out, "  logs <id>   show recent log entries for a job or stream session (--export for all)")
	fmt.Fprintln(out, "  batches     list live stream sessions")
	fmt.Fprintln(out, "  stop-batch  stop every live stream session")
	fmt.Fprintln(out, "  watch <id>  follow a job's progress until it finishes")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Every command accepts --server (default $ORCHESTRATOR_URL or "+DefaultServerURL+").")
}
