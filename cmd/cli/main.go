package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"judge-sandbox/internal/api"
	"judge-sandbox/internal/config"
	"judge-sandbox/internal/monitor"
	"judge-sandbox/internal/runtime"
	"judge-sandbox/internal/sandbox"
)

var (
	serverURL  string
	configPath string
	language   string
	local      bool
	verbose    bool
)

// exitError carries the program's exit status out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("program exited with status %d", e.code) }

func main() {
	root := &cobra.Command{
		Use:           "sandbox-cli",
		Short:         "Run untrusted code through judge-sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level)
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SANDBOX_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Config file for --local runs")
	root.PersistentFlags().BoolVar(&local, "local", false, "Execute in-process against the local container runtime")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code (from the argument or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language id")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute a source file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language id (detected from the extension)")
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		RunE:  runLanguages,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return execute(cmd.Context(), language, code)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	lang := language
	if lang == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := runtime.NewRegistry(cfg.Descriptors()...)
		if err != nil {
			return err
		}
		lang, err = languageForFile(reg, args[0])
		if err != nil {
			return err
		}
	}
	return execute(cmd.Context(), lang, string(data))
}

func languageForFile(reg *runtime.Registry, path string) (string, error) {
	ext := filepath.Ext(path)
	d, ok := reg.ByExtension(ext)
	if !ok {
		return "", fmt.Errorf("cannot detect language for extension %q, use --language", ext)
	}
	return d.ID, nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.FromEnv()
}

func execute(ctx context.Context, lang, code string) error {
	var (
		resp api.ExecutionResponse
		err  error
	)
	if local {
		resp, err = executeLocal(ctx, lang, code)
	} else {
		resp, err = executeRemote(ctx, lang, code)
	}
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(formatted))

	if resp.ErrorKind != "" {
		return fmt.Errorf("%s: %s", resp.ErrorKind, resp.Error)
	}
	if resp.ExitStatus != nil && *resp.ExitStatus != 0 {
		return exitError{code: *resp.ExitStatus}
	}
	return nil
}

func executeLocal(ctx context.Context, lang, code string) (api.ExecutionResponse, error) {
	cfg, err := loadConfig()
	if err != nil {
		return api.ExecutionResponse{}, err
	}
	cfg.Sandbox.OrphanSweepInterval = 0

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := sandbox.NewFromConfig(ctx, cfg, nil, monitor.NewTracer())
	if err != nil {
		return api.ExecutionResponse{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.CleanupTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("closing sandbox service")
		}
	}()

	return api.NewExecutionResponse(svc.Execute(ctx, lang, code)), nil
}

func executeRemote(ctx context.Context, lang, code string) (api.ExecutionResponse, error) {
	var out api.ExecutionResponse

	body, err := json.Marshal(api.ExecutionRequest{Language: lang, Code: code})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return out, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil || out.ID == "" {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return out, fmt.Errorf("server: %s (%s)", apiErr.Error, apiErr.Code)
		}
		return out, fmt.Errorf("unexpected response (%s): %s", resp.Status, bytes.TrimSpace(data))
	}
	return out, nil
}

func runLanguages(cmd *cobra.Command, _ []string) error {
	if local {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, d := range cfg.Descriptors() {
			fmt.Printf("%-12s %-6s %s\n", d.ID, d.Extension, d.Image)
		}
		return nil
	}

	var result api.LanguagesResponse
	if err := getJSON(cmd.Context(), "/languages", &result); err != nil {
		return err
	}
	for _, l := range result.Languages {
		fmt.Printf("%-12s %-6s %s\n", l.ID, l.Extension, l.Image)
	}
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var result api.HealthResponse
	if err := getJSON(cmd.Context(), "/health", &result); err != nil {
		return err
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	if result.Status != "ok" {
		return fmt.Errorf("server is %s", result.Status)
	}
	return nil
}

func getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
