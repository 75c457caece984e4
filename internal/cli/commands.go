package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"media-orchestrator/internal/bulk"
)

func newFlagSet(name string, out io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	server := fs.String("server", "", "orchestrator base URL")
	return fs, server
}

func resolveServer(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_URL")); v != "" {
		return v
	}
	return DefaultServerURL
}

// requireID parses the flags and returns the single positional id.
func requireID(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return "", fmt.Errorf("%s requires exactly one id", fs.Name())
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func runSubmit(ctx context.Context, args []string, out io.Writer) error {
	fs, server := newFlagSet("submit", out)
	owner := fs.String("owner", "", "job owner recorded on the job")
	dir := fs.String("dir", "", "directory whose media files are uploaded")
	manifest := fs.String("manifest", "", "CSV with filename,title,description,tags,privacy,category rows (requires --dir)")
	titleTemplate := fs.String("title-template", "", "title for files without metadata; {index} is the 1-based position")
	description := fs.String("description", "", "description for files without metadata")
	tags := fs.String("tags", "", "comma separated tags for files without metadata")
	visibility := fs.String("visibility", "", "privacy for files without metadata")
	category := fs.String("category", "", "category for files without metadata")
	watch := fs.Bool("watch", false, "follow the job after submitting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	defaults := bulk.DefaultManifestDefaults()
	if v := strings.TrimSpace(*titleTemplate); v != "" {
		defaults.TitleTemplate = v
	}
	if v := strings.TrimSpace(*description); v != "" {
		defaults.Description = v
	}
	if v := strings.TrimSpace(*tags); v != "" {
		defaults.Tags = splitTags(v)
	}
	if v := strings.TrimSpace(*visibility); v != "" {
		defaults.Visibility = v
	}
	if v := strings.TrimSpace(*category); v != "" {
		defaults.Category = v
	}

	specs, err := collectSpecs(*dir, *manifest, fs.Args(), defaults)
	if err != nil {
		return err
	}

	client := NewClient(resolveServer(*server), nil)
	jobID, err := client.SubmitJob(ctx, strings.TrimSpace(*owner), specs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "submitted job %s with %d items\n", jobID, len(specs))
	if *watch {
		return watchJob(ctx, client, jobID, defaultWatchInterval, out)
	}
	return nil
}

// collectSpecs builds the submission from --dir (with an optional manifest)
// followed by any files named on the command line.
func collectSpecs(dir, manifest string, files []string, defaults bulk.Defaults) ([]bulk.ItemSpec, error) {
	dir = strings.TrimSpace(dir)
	manifest = strings.TrimSpace(manifest)
	if manifest != "" && dir == "" {
		return nil, errors.New("--manifest requires --dir")
	}

	var specs []bulk.ItemSpec
	if dir != "" {
		var reader io.Reader
		if manifest != "" {
			file, err := os.Open(manifest)
			if err != nil {
				return nil, fmt.Errorf("open manifest: %w", err)
			}
			defer file.Close()
			reader = file
		}
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", dir, err)
		}
		parsed, err := bulk.ParseManifest(reader, absDir, defaults)
		if err != nil {
			return nil, err
		}
		specs = append(specs, parsed...)
	}

	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", file, err)
		}
		position := len(specs) + 1
		specs = append(specs, bulk.ItemSpec{
			SourcePath:  abs,
			Title:       bulk.ExpandTitle(defaults.TitleTemplate, position),
			Description: defaults.Description,
			Tags:        append([]string(nil), defaults.Tags...),
			Visibility:  defaults.Visibility,
			Category:    defaults.Category,
		})
	}
	if len(specs) == 0 {
		return nil, errors.New("nothing to submit: pass files or --dir")
	}
	return specs, nil
}

func splitTags(raw string) []string {
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}

func runJobs(ctx context.Context, args []string, out io.Writer) error {
	fs, server := newFlagSet("jobs", out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobs, err := NewClient(resolveServer(*server), nil).ListJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "no jobs")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tOK\tFAILED\tTOTAL\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%d\t%d\t%d\t%s\n",
			job.ID, job.Status, job.ProgressPercent, job.SucceededCount, job.FailedCount, job.TotalItems, job.CreatedAt)
	}
	return tw.Flush()
}

func runJob(ctx context.Context, args []string, out io.Writer) error {
	fs, server := newFlagSet("job", out)
	id, err := requireID(fs, args)
	if err != nil {
		return err
	}
	detail, err := NewClient(resolveServer(*server), nil).GetJob(ctx, id)
	if err != nil {
		return err
	}
	job := detail.Job
	fmt.Fprintf(out, "job %s (%s)\n", job.ID, job.Status)
	fmt.Fprintf(out, "progress %.1f%%: %d succeeded, %d failed, %d total\n",
		job.ProgressPercent, job.SucceededCount, job.FailedCount, job.TotalItems)
	if job.Error != "" {
		fmt.Fprintf(out, "error: %s\n", job.Error)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tFILE\tSTATUS\tUPLOAD\tREMOTE\tERROR")
	for _, item := range detail.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.0f%%\t%s\t%s\n",
			item.Position, item.SourceName, item.Status, item.UploadProgressPercent, item.RemoteID, item.Error)
	}
	return tw.Flush()
}

func runLogs(ctx context.Context, args []string, out io.Writer) error {
	fs, server := newFlagSet("logs", out)
	limit := fs.Int("limit", 0, "number of recent entries (0 uses the server default)")
	export := fs.Bool("export", false, "print the full log as plain text")
	id, err := requireID(fs, args)
	if err != nil {
		return err
	}
	client := NewClient(resolveServer(*server), nil)
	if *export {
		return client.ExportLogs(ctx, id, out)
	}
	entries, err := client.Logs(ctx, id, *limit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Fprintf(out, "[%s] %s: %s\n", entry.Timestamp.Format(time.RFC3339), entry.Category, entry.Message)
	}
	return nil
}

func runBatches(ctx context.Context, args []string, out io.Writer) error {
	fs, server := newFlagSet("batches", out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	batches, err := NewClient(resolveServer(*server), nil).ListBatches(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d live sessions\n", batches.LiveCount)
	if len(batches.Sessions) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tSESSION\tSTATE\tTARGET\tSOURCE\tERROR")
	for _, session := range batches.Sessions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			session.BatchIndex, session.ID, session.State, session.TargetFingerprint, filepath.Base(session.VideoSource), session.Error)
	}
	return tw.Flush()
}

func runStopBatch(ctx context.Context, args []string, out io.Writer) error {
	fs, server := newFlagSet("stop-batch", out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := NewClient(resolveServer(*server), nil).StopBatches(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "stop requested for all live sessions")
	return nil
}

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	fs, server := newFlagSet("watch", out)
	interval := fs.Duration("interval", defaultWatchInterval, "poll interval")
	id, err := requireID(fs, args)
	if err != nil {
		return err
	}
	return watchJob(ctx, NewClient(resolveServer(*server), nil), id, *interval, out)
}
