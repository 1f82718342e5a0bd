package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/pipelines/pkg/api/client"
	"github.com/splax/pipelines/pkg/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "pipeline":
		err = commandPipeline(args)
	case "run":
		err = commandRun(args)
	case "status":
		err = commandStatus(args)
	case "last":
		err = commandLast(args)
	case "history":
		err = commandHistory(args)
	case "cancel":
		err = commandCancel(args)
	case "watch":
		err = commandWatch(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandLogin mints an access token from the shared signing secret and stores it.
func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	actor := fs.String("actor", "", "Identity recorded as triggered_by")
	secret := fs.String("secret", "", "JWT signing secret (supply to avoid prompt)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*actor) == "" {
		return errors.New("--actor is required")
	}
	key := strings.TrimSpace(*secret)
	if key == "" {
		fmt.Print("Signing secret: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		key = strings.TrimSpace(string(bytes))
	}

	token, err := jwt.GenerateToken(*actor, key, *ttl)
	if err != nil {
		return err
	}
	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", *actor)
	return nil
}

func commandPipeline(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep pipeline [create|show|config]")
	}
	switch args[0] {
	case "create":
		return pipelineCreate(args[1:])
	case "show":
		return pipelineShow(args[1:])
	case "config":
		return pipelineConfig(args[1:])
	default:
		return fmt.Errorf("unknown pipeline command: %s", args[0])
	}
}

func pipelineCreate(args []string) error {
	fs := flag.NewFlagSet("pipeline create", flag.ExitOnError)
	id := fs.String("id", "", "Optional pipeline identifier")
	name := fs.String("name", "", "Pipeline name")
	file := fs.String("file", "", "Path to the pipeline configuration (YAML or JSON)")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	config, err := readConfigFile(*file)
	if err != nil {
		return err
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := client.CreatePipeline(ctx, token, apiclient.CreatePipelineInput{ID: *id, Name: *name, Config: config})
	if err != nil {
		return err
	}
	fmt.Printf("pipeline created: %s (%s)\n", p.ID, p.Name)
	printWarning(p.Warning)
	return nil
}

func pipelineShow(args []string) error {
	fs := flag.NewFlagSet("pipeline show", flag.ExitOnError)
	id := fs.String("pipeline", "", "Pipeline identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--pipeline is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := client.GetPipeline(ctx, token, *id)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\tupdated %s\n", p.ID, p.Name, p.UpdatedAt.Format(time.RFC3339))
	if p.Config != "" {
		fmt.Println(p.Config)
	}
	printWarning(p.Warning)
	return nil
}

func pipelineConfig(args []string) error {
	fs := flag.NewFlagSet("pipeline config", flag.ExitOnError)
	id := fs.String("pipeline", "", "Pipeline identifier")
	file := fs.String("file", "", "Path to the new configuration")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--pipeline is required")
	}
	config, err := readConfigFile(*file)
	if err != nil {
		return err
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := client.UpdatePipelineConfig(ctx, token, *id, config)
	if err != nil {
		return err
	}
	fmt.Printf("pipeline %s updated\n", p.ID)
	printWarning(p.Warning)
	return nil
}

func commandRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	pipelineID := fs.String("pipeline", "", "Pipeline identifier")
	env := fs.String("env", "", "Optional environment identifier")
	follow := fs.Bool("watch", false, "Stream events until the run finishes")
	fs.Parse(args)
	if strings.TrimSpace(*pipelineID) == "" {
		return errors.New("--pipeline is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	res, err := client.Execute(ctx, token, *pipelineID, *env)
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("execution %s %s\n", res.ExecutionID, res.Status)
	if !*follow {
		return nil
	}
	return watch(client, token, res.ExecutionID)
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	id := fs.String("execution", "", "Execution identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--execution is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	exec, err := client.GetExecution(ctx, token, *id)
	if err != nil {
		return err
	}
	printExecution(exec)
	return nil
}

func commandLast(args []string) error {
	fs := flag.NewFlagSet("last", flag.ExitOnError)
	pipelineID := fs.String("pipeline", "", "Pipeline identifier")
	fs.Parse(args)
	if strings.TrimSpace(*pipelineID) == "" {
		return errors.New("--pipeline is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	exec, err := client.LastExecution(ctx, token, *pipelineID)
	if err != nil {
		return err
	}
	if exec == nil {
		fmt.Println("no executions yet")
		return nil
	}
	printExecution(*exec)
	return nil
}

func commandHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	pipelineID := fs.String("pipeline", "", "Pipeline identifier")
	limit := fs.Int("limit", 10, "Maximum number of executions")
	fs.Parse(args)
	if strings.TrimSpace(*pipelineID) == "" {
		return errors.New("--pipeline is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	execs, err := client.ListExecutions(ctx, token, *pipelineID, *limit)
	if err != nil {
		return err
	}
	for _, e := range execs {
		fmt.Printf("%s\t%s\t%s\t%s\n", e.ID, e.Status, e.TriggeredBy, e.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.String("execution", "", "Execution identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--execution is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.CancelExecution(ctx, token, *id); err != nil {
		return err
	}
	fmt.Println("cancellation requested")
	return nil
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	id := fs.String("execution", "", "Execution identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--execution is required")
	}
	client, token, err := authedClient()
	if err != nil {
		return err
	}
	return watch(client, token, *id)
}

func watch(client *apiclient.Client, token, executionID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.Watch(ctx, token, executionID, func(e apiclient.Event) bool {
		ts, _ := e.Data["timestamp"].(string)
		switch e.Event {
		case "stage_update":
			fmt.Printf("%s\tstage %-20s %s\n", ts, e.StageName(), e.Status())
		case "execution_update":
			fmt.Printf("%s\texecution %s\n", ts, e.Status())
		}
		return true
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printExecution(e apiclient.Execution) {
	fmt.Printf("execution %s\tpipeline %s\tstatus %s\ttriggered by %s\n", e.ID, e.PipelineID, e.Status, e.TriggeredBy)
	if e.ErrorMessage != "" {
		fmt.Printf("error: %s\n", e.ErrorMessage)
	}
	for _, st := range e.Stages {
		elapsed := ""
		if st.StartedAt != nil && st.FinishedAt != nil {
			elapsed = st.FinishedAt.Sub(*st.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Printf("  %d\t%-20s %-10s %-10s %s\n", st.OrderIndex, st.Name, st.Type, st.Status, elapsed)
	}
}

func printWarning(w string) {
	if w != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

func readConfigFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	return string(data), nil
}

func authedClient() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'peep login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv("PEEP_CONFIG")); p != "" {
		return p, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "peep", "config.json"), nil
}

func printUsage() {
	fmt.Printf("peep CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	peep login --actor <name> [--secret s] [--ttl 24h] [--api http://localhost:4000]
	peep pipeline create --name <name> [--id id] [--file pipeline.yaml]
	peep pipeline show --pipeline <pipeline-id>
	peep pipeline config --pipeline <pipeline-id> --file pipeline.yaml
	peep run --pipeline <pipeline-id> [--env env-id] [--watch]
	peep status --execution <execution-id>
	peep last --pipeline <pipeline-id>
	peep history --pipeline <pipeline-id> [--limit N]
	peep cancel --execution <execution-id>
	peep watch --execution <execution-id>
	peep version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
