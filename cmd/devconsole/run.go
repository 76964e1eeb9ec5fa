package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/devconsole/internal/console"
	"github.com/jkaninda/devconsole/internal/runner"
	goutils "github.com/jkaninda/go-utils"
)

var (
	runConfigPath string
	runExpr       string
	runFile       string
	runMaxDepth   int
	runPretty     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a snippet locally and print the result envelope",
	Long: `Run executes a snippet with the same runner and serializer as the
console endpoint, without a session or the authorization gate, and prints
the {"result", "executionTime"} envelope. Use -e for inline code or --file
("-" reads stdin).`,
	Example: `  devconsole run -e "return [1, {a: {b: {c: 1}}}]" --max-depth 2
  echo "return new Error('boom')" | devconsole run --file -`,
	RunE: runSnippet,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to config file (YAML or JSON)")
	runCmd.Flags().StringVarP(&runExpr, "eval", "e", "", "code to execute")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", `file with code to execute ("-" for stdin)`)
	runCmd.Flags().IntVar(&runMaxDepth, "max-depth", 0, "serialization depth (default from config)")
	runCmd.Flags().BoolVar(&runPretty, "pretty", false, "indent the JSON output")
}

func runSnippet(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(goutils.Env("DEVCONSOLE_CONFIG", runConfigPath))
	if err != nil {
		return err
	}
	if cfg.IsProduction() {
		return errors.New(console.MsgProduction)
	}

	code, err := readSnippet(cmd.InOrStdin())
	if err != nil {
		return err
	}

	params := url.Values{"code": {code}}
	if runMaxDepth != 0 {
		params.Set("maxDepth", strconv.Itoa(runMaxDepth))
	}
	req, ok := console.ParseExecutionRequest(params, console.Limits{
		DefaultMaxDepth: cfg.Console.DefaultMaxDepth,
		MaxDepthLimit:   cfg.Serializer.MaxDepthLimit,
	})
	if !ok {
		return errors.New(console.MsgMissingParams)
	}

	ctx := context.Background()
	pipeline := buildPipeline(cfg, nil, newLogger())

	env := runner.Env{
		Request: runner.RequestInfo{Method: "CLI", Headers: map[string]string{}},
		Session: &localSession{allowed: true},
	}
	envelope, _ := pipeline.Evaluate(ctx, req, env)
	return writeEnvelope(cmd.OutOrStdout(), envelope, runPretty)
}

func readSnippet(stdin io.Reader) (string, error) {
	switch {
	case runExpr != "" && runFile != "":
		return "", errors.New("use either --eval or --file, not both")
	case runExpr != "":
		return runExpr, nil
	case runFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(b), nil
	case runFile != "":
		b, err := os.ReadFile(runFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", runFile, err)
		}
		return string(b), nil
	default:
		return "", errors.New("no code given: pass --eval or --file")
	}
}

func writeEnvelope(w io.Writer, env console.Envelope, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(env)
}

// localSession stands in for the browser session when running from the CLI.
type localSession struct{ allowed bool }

func (s *localSession) ConsoleAllowed() bool           { return s.allowed }
func (s *localSession) SetConsoleAllowed(allowed bool) { s.allowed = allowed }
