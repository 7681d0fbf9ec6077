package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/cascade/internal/workflow"
)

var (
	submitAPI   string
	submitStart bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <workflow.yaml>",
	Short: "Submit a workflow definition to the coordinator",
	Long: `Submit a YAML workflow definition to a running coordinator. The
definition is validated locally before it is sent.

Example:
  cascade submit etl.yaml
  cascade submit etl.yaml --start
  cascade submit etl.yaml --api http://prod-host:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitAPI, "api", "", "Coordinator API base URL (default: http://<listen_addr>)")
	submitCmd.Flags().BoolVar(&submitStart, "start", false, "Start the workflow after creating it")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading definition: %w", err)
	}

	// Catch definition errors before going over the wire.
	if _, err := workflow.Parse(data); err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}

	base := submitAPI
	if base == "" {
		base = "http://" + cfg.ListenAddr
	}

	resp, err := http.Post(base+"/workflows/definition", "application/yaml", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("submitting workflow: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("coordinator rejected workflow (%s): %s", resp.Status, body)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created workflow %s\n", created.ID)

	if !submitStart {
		return nil
	}

	startResp, err := http.Post(base+"/workflows/"+created.ID+"/start", "application/json", nil)
	if err != nil {
		return fmt.Errorf("starting workflow: %w", err)
	}
	defer startResp.Body.Close()
	if startResp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(startResp.Body)
		return fmt.Errorf("coordinator refused to start workflow (%s): %s", startResp.Status, msg)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started workflow %s\n", created.ID)
	return nil
}
