package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewReportCmd создаёт группу команд для отчётов.
func NewReportCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate and download run reports",
	}

	cmd.AddCommand(
		newReportGenerateCmd(clientFn, outputFn),
		newReportListCmd(clientFn, outputFn),
		newReportDownloadCmd(clientFn, outputFn),
	)

	return cmd
}

var reportHeaders = []string{"ID", "FORMAT", "SIZE", "CHECKSUM", "GENERATED"}

func reportRow(r *ReportResponse) []string {
	return []string{r.ID, r.Format, strconv.FormatInt(r.Size, 10), r.Checksum, r.GeneratedAt}
}

func newReportGenerateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "generate RUN_ID",
		Short: "Generate a fresh report for a completed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			rep, err := client.GenerateReport(args[0], format)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Report generated: %s", rep.ID))
			out.Print(reportHeaders, [][]string{reportRow(rep)}, rep)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Report format")

	return cmd
}

func newReportListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list RUN_ID",
		Short: "List generated reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			reports, err := client.ListReports(args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(reports))
			for i := range reports {
				rows[i] = reportRow(&reports[i])
			}

			out.Print(reportHeaders, rows, reports)
			return nil
		},
	}
}

func newReportDownloadCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download RUN_ID REPORT_ID",
		Short: "Download report content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var w io.Writer = os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			if err := client.DownloadReport(args[0], args[1], w); err != nil {
				return err
			}
			if w != os.Stdout {
				out.Success("Report saved to " + output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")

	return cmd
}
