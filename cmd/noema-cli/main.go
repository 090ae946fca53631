// Command noema-cli is the operator surface for Noema Forge: cook
// lifecycle control (start/pause/resume/stop/status/export) against a
// running gateway's admin routes, authenticated with
// INTERNAL_API_KEY_ADMIN, plus an on-demand VastAI instance sweep. Built
// on cobra.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	gatewayURL string
	adminKey   string
	verbose    bool

	httpClient = &http.Client{Timeout: 30 * time.Second}
)

// Exit codes: 0 success, 1 general failure, 2 auth/config error, 3 not found.
const (
	exitOK          = 0
	exitGeneral     = 1
	exitUnauthorized = 2
	exitNotFound    = 3
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:           "noema-cli",
		Short:         "Operator CLI for Noema Forge cook lifecycle control",
		Version:       "1.0.0",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			if adminKey == "" {
				adminKey = os.Getenv("INTERNAL_API_KEY_ADMIN")
			}
		},
	}

	root.PersistentFlags().StringVar(&gatewayURL, "gateway-url", getEnv("FORGE_GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
	root.PersistentFlags().StringVar(&adminKey, "admin-key", "", "Admin key (default: INTERNAL_API_KEY_ADMIN env var)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(cookCmd(log))
	root.AddCommand(trainingCmd(log))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitFromError(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// cliError carries the exit code a failed admin call should produce.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func exitFromError(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return exitGeneral
}

func cookCmd(log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cook",
		Short: "Cook (batch generation) lifecycle operations",
	}

	action := func(use, short, verb string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				id, _ := cmd.Flags().GetString("id")
				if id == "" {
					return &cliError{exitGeneral, fmt.Errorf("--id is required")}
				}
				return adminPost(fmt.Sprintf("/api/v1/admin/cooks/%s/%s", id, verb), log)
			},
		}
	}

	startCmd := action("start", "Start a draft or paused cook", "start")
	pauseCmd := action("pause", "Pause a running cook", "pause")
	resumeCmd := action("resume", "Resume a paused cook", "resume")
	stopCmd := action("stop", "Stop a cook permanently", "stop")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a cook's current progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return &cliError{exitGeneral, fmt.Errorf("--id is required")}
			}
			return adminGet(fmt.Sprintf("/api/v1/admin/cooks/%s", id), log)
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Download a cook's accepted pieces as a zip",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			includeMetadata, _ := cmd.Flags().GetBool("include-metadata")
			out, _ := cmd.Flags().GetString("out")
			if id == "" {
				return &cliError{exitGeneral, fmt.Errorf("--id is required")}
			}
			if out == "" {
				out = id + ".zip"
			}
			path := fmt.Sprintf("/api/v1/admin/cooks/%s/export", id)
			if includeMetadata {
				path += "?includeMetadata=true"
			}
			return downloadAdmin(path, out, log)
		},
	}
	exportCmd.Flags().Bool("include-metadata", false, "Include per-piece JSON metadata sidecars")
	exportCmd.Flags().String("out", "", "Output file path (default: <id>.zip)")

	for _, c := range []*cobra.Command{startCmd, pauseCmd, resumeCmd, stopCmd, statusCmd, exportCmd} {
		c.Flags().String("id", "", "Cook ID")
		cmd.AddCommand(c)
	}

	return cmd
}

// trainingCmd wraps VastAI training-runtime operator actions that don't fit
// the generic cook lifecycle: a manual instance sweep, useful after a crash
// left a rented GPU behind the durability rule's silence.
func trainingCmd(log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "training",
		Short: "VastAI training runtime operator actions",
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reap VastAI instances no longer tracked by any active job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost("/api/v1/admin/vastai/sweep", log)
		},
	}

	cmd.AddCommand(sweepCmd)
	return cmd
}

func adminPost(path string, log zerolog.Logger) error {
	return adminRequest(http.MethodPost, path, log)
}

func adminGet(path string, log zerolog.Logger) error {
	return adminRequest(http.MethodGet, path, log)
}

func adminRequest(method, path string, log zerolog.Logger) error {
	req, err := http.NewRequest(method, gatewayURL+path, nil)
	if err != nil {
		return &cliError{exitGeneral, err}
	}
	req.Header.Set("X-Admin-Key", adminKey)

	log.Debug().Str("method", method).Str("path", path).Msg("noema-cli: request")

	resp, err := httpClient.Do(req)
	if err != nil {
		return &cliError{exitGeneral, fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &cliError{exitUnauthorized, fmt.Errorf("unauthorized: check --admin-key / INTERNAL_API_KEY_ADMIN")}
	case resp.StatusCode == http.StatusNotFound:
		return &cliError{exitNotFound, fmt.Errorf("not found: %s", strings.TrimSpace(string(body)))}
	case resp.StatusCode >= 300:
		return &cliError{exitGeneral, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body))}
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Println(string(body))
	}
	return nil
}

func downloadAdmin(path, outPath string, log zerolog.Logger) error {
	req, err := http.NewRequest(http.MethodGet, gatewayURL+path, nil)
	if err != nil {
		return &cliError{exitGeneral, err}
	}
	req.Header.Set("X-Admin-Key", adminKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return &cliError{exitGeneral, fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &cliError{exitUnauthorized, fmt.Errorf("unauthorized: check --admin-key / INTERNAL_API_KEY_ADMIN")}
	}
	if resp.StatusCode == http.StatusNotFound {
		return &cliError{exitNotFound, fmt.Errorf("cook not found")}
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &cliError{exitGeneral, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body))}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return &cliError{exitGeneral, err}
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return &cliError{exitGeneral, err}
	}
	log.Info().Str("file", outPath).Msg("noema-cli: export written")
	return nil
}
