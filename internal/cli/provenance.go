package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewProvenanceCmd создаёт группу команд для provenance.
func NewProvenanceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Inspect run provenance",
	}

	cmd.AddCommand(
		newProvenanceShowCmd(clientFn, outputFn),
		newProvenanceManifestCmd(clientFn),
		newProvenanceVerifyCmd(clientFn, outputFn),
	)

	return cmd
}

func newProvenanceShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the ordered provenance log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			entries, err := client.GetProvenance(args[0])
			if err != nil {
				return err
			}

			headers := []string{"SEQ", "SAMPLE", "STAGE", "ATTEMPT", "OUTCOME", "TOOL", "VERSION"}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{
					strconv.FormatInt(e.Seq, 10), e.SampleName, e.Stage,
					strconv.Itoa(e.Attempt), e.Outcome, e.ToolName, e.ToolVersion,
				}
			}

			out.Print(headers, rows, entries)
			return nil
		},
	}
}

func newProvenanceManifestCmd(clientFn func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest RUN_ID",
		Short: "Print the sha256 manifest of run outputs",
		Long:  "Print the sha256 manifest of run outputs in sha256sum format.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFn().GetManifest(args[0], os.Stdout)
		},
	}
}

func newProvenanceVerifyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var against string

	cmd := &cobra.Command{
		Use:   "verify RUN_ID --against OTHER_RUN_ID",
		Short: "Compare run outputs with a reference run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			v, err := client.Verify(args[0], against)
			if err != nil {
				return err
			}

			headers := []string{"KEY", "FIELD", "EXPECTED", "ACTUAL"}
			rows := make([][]string, 0, len(v.Mismatches)+len(v.Missing))
			for _, m := range v.Mismatches {
				rows = append(rows, []string{m.Key, m.Field, m.Expected, m.Actual})
			}
			for _, key := range v.Missing {
				rows = append(rows, []string{key, "missing", "", ""})
			}

			out.Print(headers, rows, v)
			if !v.Reproducible {
				return fmt.Errorf("runs differ: %d matched, %d mismatched, %d missing",
					v.Matched, len(v.Mismatches), len(v.Missing))
			}
			out.Success(fmt.Sprintf("Reproducible: %d outputs matched", v.Matched))
			return nil
		},
	}

	cmd.Flags().StringVar(&against, "against", "", "Reference run ID")
	cmd.MarkFlagRequired("against")

	return cmd
}
