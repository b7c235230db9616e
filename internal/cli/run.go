package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage analysis runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunCreateCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunConfigCmd(clientFn, outputFn),
		newRunValidateCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunRetryCmd(clientFn, outputFn),
		newRunStatusCmd(clientFn, outputFn),
		newRunExecutionsCmd(clientFn, outputFn),
	)

	return cmd
}

var runHeaders = []string{"ID", "CODE", "NAME", "MODE", "STATUS", "SAMPLES", "CREATED"}

func runRow(r *RunResponse) []string {
	return []string{r.ID, r.Code, r.Name, r.Mode, r.Status, strconv.Itoa(len(r.Samples)), r.CreatedAt}
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, total, err := client.ListRuns(ListRunsOpts{
				Status: status,
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "CODE", "NAME", "MODE", "STATUS", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.Code, r.Name, r.Mode, r.Status, r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			if len(runs) < total {
				out.Success(fmt.Sprintf("%d of %d runs shown", len(runs), total))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, queued, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")

	return cmd
}

func newRunCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file, name, mode string
	var samples []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending run",
		Long: `Create a pending run from a YAML/JSON manifest (-f) or from flags.

Manifest example:

  name: batch-42
  mode: amplicon
  samples:
    - name: S1
      r1: /data/S1_R1.fastq.gz
      r2: /data/S1_R2.fastq.gz
  config:
    primer_scheme: ARTIC-V4.1
    min_depth: 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var req CreateRunRequest
			if file != "" {
				if err := readManifest(file, &req); err != nil {
					return err
				}
			}
			if name != "" {
				req.Name = name
			}
			if mode != "" {
				req.Mode = mode
			}
			for _, s := range samples {
				sample, err := parseSampleFlag(s)
				if err != nil {
					return err
				}
				req.Samples = append(req.Samples, sample)
			}

			run, err := client.CreateRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run created: %s (%s)", run.ID, run.Code))
			out.Print(runHeaders, [][]string{runRow(run)}, run)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Run manifest (YAML or JSON)")
	cmd.Flags().StringVar(&name, "name", "", "Run name")
	cmd.Flags().StringVar(&mode, "mode", "", "Sequencing mode (amplicon, shotgun)")
	cmd.Flags().StringArrayVar(&samples, "sample", nil, "Sample as NAME=R1[,R2] (repeatable)")

	return cmd
}

// parseSampleFlag разбирает NAME=R1[,R2].
func parseSampleFlag(s string) (SampleRequest, error) {
	name, files, ok := strings.Cut(s, "=")
	if !ok || name == "" || files == "" {
		return SampleRequest{}, fmt.Errorf("invalid sample format %q, expected NAME=R1[,R2]", s)
	}
	r1, r2, _ := strings.Cut(files, ",")
	return SampleRequest{Name: name, R1: r1, R2: r2}, nil
}

func readManifest(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return nil
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details with samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(run)
				return nil
			}

			out.Table(runHeaders, [][]string{runRow(run)})
			if run.Error != nil {
				out.Failure(fmt.Sprintf("%s: %s", run.Error.Code, run.Error.Message))
			}

			fmt.Fprintln(out.w)
			headers := []string{"SAMPLE_ID", "NAME", "STATUS", "STAGE", "ERROR"}
			rows := make([][]string, len(run.Samples))
			for i, s := range run.Samples {
				stage := s.CurrentStage
				if s.FailedStage != "" {
					stage = s.FailedStage
				}
				rows[i] = []string{s.ID, s.Name, s.Status, stage, errorCode(s.Error)}
			}
			out.Table(headers, rows)
			return nil
		},
	}
}

func newRunConfigCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "config ID -f config.yaml",
		Short: "Replace the configuration of a pending run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			cfg := map[string]any{}
			if err := readManifest(file, &cfg); err != nil {
				return err
			}

			run, err := client.UpdateConfig(args[0], cfg)
			if err != nil {
				return err
			}

			out.Success("Configuration updated")
			out.Print([]string{"KEY", "VALUE"}, configRows(run.Config), run.Config)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Configuration file (YAML or JSON)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func configRows(cfg map[string]any) [][]string {
	keys := []string{"primer_scheme", "reference", "min_depth", "min_allele_freq", "min_read_length", "min_base_quality", "seed"}
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := cfg[k]; ok {
			rows = append(rows, []string{k, fmt.Sprint(v)})
		}
	}
	return rows
}

func newRunValidateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate ID",
		Short: "Run pre-flight validation without starting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			v, err := client.ValidateRun(args[0])
			if err != nil {
				return err
			}

			issues := append(append([]ValidationIssue{}, v.Errors...), v.Warnings...)
			headers := []string{"SEVERITY", "CODE", "MESSAGE", "REMEDIATION"}
			rows := make([][]string, len(issues))
			for i, is := range issues {
				rows[i] = []string{is.Severity, is.Code, is.Message, is.Remediation}
			}

			out.Print(headers, rows, v)
			out.Success("Validation: " + v.Status)
			return nil
		},
	}
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "start ID",
		Short: "Validate and queue a pending run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.StartRun(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run %s: %s", run.Code, run.Status))
			out.Print(runHeaders, [][]string{runRow(run)}, run)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			if run.Status == "cancelled" {
				out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			} else {
				out.Success(fmt.Sprintf("Cancellation requested: %s", run.ID))
			}
			return nil
		},
	}
}

func newRunRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "retry RUN_ID SAMPLE_ID",
		Short: "Retry a failed sample from its failed stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			sample, err := client.RetrySample(args[0], args[1])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Sample %s queued for retry", sample.Name))
			return nil
		},
	}
}

func newRunStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show run progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.GetStatus(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(p)
				return nil
			}

			out.Success(fmt.Sprintf("%s  %s  %s  %s", p.Code, p.Status, progressBar(p.Percent), p.CurrentStage))
			headers := []string{"SAMPLE", "STATUS", "STAGE", "PERCENT", "ERROR"}
			rows := make([][]string, len(p.Samples))
			for i, s := range p.Samples {
				stage := s.CurrentStage
				if s.FailedStage != "" {
					stage = s.FailedStage
				}
				rows[i] = []string{s.Name, s.Status, stage, fmt.Sprintf("%.1f", s.Percent), errorCode(s.Error)}
			}
			out.Table(headers, rows)
			return nil
		},
	}
}

func newRunExecutionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "executions RUN_ID",
		Short: "List stage executions of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			execs, err := client.ListExecutions(args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "SAMPLE_ID", "STAGE", "ATTEMPT", "OUTCOME", "ERROR"}
			rows := make([][]string, len(execs))
			for i, e := range execs {
				rows[i] = []string{e.ID, e.SampleID, e.Stage, strconv.Itoa(e.Attempt), e.Outcome, errorCode(e.Error)}
			}

			out.Print(headers, rows, execs)
			return nil
		},
	}
}

func errorCode(e *ErrorDetail) string {
	if e == nil {
		return ""
	}
	return e.Code
}
