// Command adminctl is the operator CLI for a running ORBIT server:
// triggering a config reload, validating a template library offline,
// and inspecting circuit breaker state. Grounded on the teacher's
// cmd/backfill root/sub-command tree (cobra.Command with
// PersistentFlags on the root and per-command RunE), pointed here at
// ORBIT's admin HTTP surface instead of a one-shot batch job.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"orbit/internal/configload"
)

var (
	version = "dev"

	serverURL string
	adminKey  string
	timeout   time.Duration

	adaptersFile string

	templatesFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "adminctl",
	Short:   "Operate a running ORBIT adapter/retrieval server",
	Version: version,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload adapter configuration from an adapters.yaml file",
	Long: `Reload pushes the adapters declared in an adapters.yaml file to a
running server's /admin/reload-adapters endpoint and prints the diff
summary (added/removed/updated/unchanged/failed).

Example:
  adminctl reload --adapters-file adapters.yaml --server http://localhost:8080`,
	RunE: runReload,
}

var validateTemplatesCmd = &cobra.Command{
	Use:   "validate-templates",
	Short: "Validate a template library file's parameter declarations",
	Long: `validate-templates loads a template-library YAML file and reports,
per template, any {placeholder} referenced in its SQL text or HTTP
endpoint template that was never declared as a parameter, and any
declared parameter those never reference. Elasticsearch and MongoDB
query bodies are not scanned. It never contacts a server; the library
file is self-contained.`,
	RunE: runValidateTemplates,
}

var breakerStatusCmd = &cobra.Command{
	Use:   "breaker-status [adapter-name]",
	Short: "Show circuit breaker state for one or every tracked adapter",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBreakerStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the running ORBIT server")
	rootCmd.PersistentFlags().StringVar(&adminKey, "admin-key", os.Getenv("ADMIN_API_KEY"), "admin API key (defaults to $ADMIN_API_KEY)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	reloadCmd.Flags().StringVar(&adaptersFile, "adapters-file", "adapters.yaml", "path to the adapters.yaml file to push")

	validateTemplatesCmd.Flags().StringVar(&templatesFile, "templates-file", "", "path to the template library YAML file to validate (required)")
	validateTemplatesCmd.MarkFlagRequired("templates-file")

	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(validateTemplatesCmd)
	rootCmd.AddCommand(breakerStatusCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	adapters, err := configload.LoadAdapters(adaptersFile)
	if err != nil {
		return fmt.Errorf("load adapters file: %w", err)
	}

	body, err := json.Marshal(map[string]any{"adapters": adapters})
	if err != nil {
		return fmt.Errorf("marshal reload request: %w", err)
	}

	resp, err := adminPost(cmd, "/admin/reload-adapters", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode reload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload failed with status %d: %v", resp.StatusCode, decoded)
	}

	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func runValidateTemplates(cmd *cobra.Command, args []string) error {
	templates, err := configload.LoadTemplateLibrary(templatesFile)
	if err != nil {
		return fmt.Errorf("load template library: %w", err)
	}

	reports := configload.ValidateTemplates(templates)

	failed := 0
	for _, r := range reports {
		if r.OK() {
			fmt.Printf("ok    %s\n", r.TemplateID)
		} else {
			failed++
			fmt.Printf("FAIL  %s: undeclared params %v\n", r.TemplateID, r.UndeclaredParams)
		}
		if len(r.UnusedParams) > 0 {
			fmt.Printf("      %s: unused params %v\n", r.TemplateID, r.UnusedParams)
		}
	}

	fmt.Printf("\n%d templates, %d failed\n", len(reports), failed)
	if failed > 0 {
		return fmt.Errorf("%d template(s) reference undeclared parameters", failed)
	}
	return nil
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	path := "/admin/breaker-status"
	if len(args) == 1 {
		path += "/" + args[0]
	}

	resp, err := adminGet(cmd, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read breaker-status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("breaker-status failed with status %d: %s", resp.StatusCode, raw)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode breaker-status response: %w", err)
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func adminGet(cmd *cobra.Command, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return doAdminRequest(req)
}

func adminPost(cmd *cobra.Command, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doAdminRequest(req)
}

func doAdminRequest(req *http.Request) (*http.Response, error) {
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL, err)
	}
	return resp, nil
}
