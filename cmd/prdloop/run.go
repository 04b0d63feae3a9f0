package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"prdloop/internal/agent"
	"prdloop/internal/config"
	"prdloop/internal/events"
	"prdloop/internal/gitflow"
	"prdloop/internal/history"
	"prdloop/internal/loop"
	"prdloop/internal/prd"
	"prdloop/internal/rotation"
	"prdloop/internal/trace"
	"prdloop/internal/tui"
)

// exitConfigurationError is the exit code for failures before the loop
// starts: malformed PRD, bad config, unknown agents. Terminal states map
// through loop.Terminal.ExitCode.
const exitConfigurationError = 6

const (
	defaultPRDPath = "prd.json"
	fixesPRDPath   = "prd-fixes.json"
	rotationPath   = ".prdloop/rotation-state.json"
)

type runFlags struct {
	prdPath   string
	timeout   int
	noTimeout bool
	rotation  bool
	push      bool
	createPR  bool
	autoMerge bool
	fixes     bool
	tui       bool
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [maxIterations]",
		Short: "Run the iteration loop until a terminal state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := executeRun(cmd, args, flags)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(exitConfigurationError)
			}
			os.Exit(code)
			return nil
		},
	}

	registerRunFlags(cmd, flags)
	return cmd
}

func registerRunFlags(cmd *cobra.Command, flags *runFlags) {
	cmd.Flags().StringVar(&flags.prdPath, "prd", defaultPRDPath, "path to the PRD task list")
	cmd.Flags().IntVar(&flags.timeout, "timeout", 0, "per-invocation timeout in seconds (overrides config)")
	cmd.Flags().BoolVar(&flags.noTimeout, "no-timeout", false, "run agent invocations unbounded")
	cmd.Flags().BoolVar(&flags.rotation, "rotation", true, "rotate agents/models on failure")
	cmd.Flags().BoolVar(&flags.push, "push", true, "push the branch to the remote")
	cmd.Flags().BoolVar(&flags.createPR, "create-pr", false, "open a pull request on completion")
	cmd.Flags().BoolVar(&flags.autoMerge, "auto-merge", false, "queue the pull request for auto-merge")
	cmd.Flags().BoolVar(&flags.fixes, "fixes", false, "run against the fixes PRD ("+fixesPRDPath+")")
	cmd.Flags().BoolVar(&flags.tui, "tui", false, "show the live run monitor")
	cmd.Flags().Bool("no-pr", false, "do not open a pull request")
	cmd.Flags().Bool("no-push", false, "do not push to the remote")
	cmd.Flags().Bool("no-rotation", false, "pin the primary agent and model")
	cmd.Flags().Bool("no-auto-merge", false, "do not auto-merge the pull request")

	// Bound keys resolve explicit flag > PRDLOOP_ env > flag default.
	_ = viper.BindPFlag("prd", cmd.Flags().Lookup("prd"))
	_ = viper.BindPFlag("timeout", cmd.Flags().Lookup("timeout"))
}

// executeRun wires every component and runs the loop. Returns the process
// exit code for the reached terminal state.
func executeRun(cmd *cobra.Command, args []string, flags *runFlags) (int, error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repoRoot, err := os.Getwd()
	if err != nil {
		return 0, fmt.Errorf("resolving working directory: %w", err)
	}

	cfg, err := config.LoadForRepo(repoRoot)
	if err != nil {
		return 0, err
	}
	applyFlags(cfg, cmd, flags, args)
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	prdPath := flags.prdPath
	if flags.fixes {
		prdPath = fixesPRDPath
	}
	doc, err := prd.Load(prdPath)
	if err != nil {
		return 0, err
	}
	fingerprint, err := doc.Fingerprint()
	if err != nil {
		return 0, err
	}

	catalog, err := agent.LoadCatalog(repoRoot)
	if err != nil {
		return 0, err
	}
	for name, override := range cfg.Agents {
		catalog.ApplyDenyTools(name, override.DenyTools)
	}

	machine, err := buildMachine(cfg, catalog, fingerprint)
	if err != nil {
		return 0, err
	}

	procMgr := agent.NewProcessManager()
	go func() {
		<-ctx.Done()
		if err := procMgr.KillAll(); err != nil {
			log.Printf("WARNING: killing subprocesses: %v", err)
		}
	}()
	stopSleepGuard := startSleepGuard(procMgr)
	defer stopSleepGuard()

	bus := events.NewBus()

	var liveOutput io.Writer = os.Stdout
	if flags.tui {
		liveOutput = nil
	}
	invoker := agent.NewInvoker(repoRoot, procMgr, liveOutput)
	git := gitflow.New(gitflow.ExecRunner{Dir: repoRoot}, gitflow.ExecRunner{Dir: repoRoot})

	hist, err := history.Open(ctx, history.DefaultPath(repoRoot))
	if err != nil {
		log.Printf("WARNING: run history disabled: %v", err)
		hist = nil
	} else {
		defer hist.Close()
	}

	tracer, err := trace.New(ctx)
	if err != nil {
		log.Printf("WARNING: tracing disabled: %v", err)
		tracer = nil
	} else {
		defer tracer.Shutdown(context.Background())
	}

	runner := loop.New(cfg, catalog, invoker, git, machine, prdPath, loop.Options{
		Bus:     bus,
		History: hist,
		Tracer:  tracer,
		Out:     os.Stdout,
	})

	if flags.tui {
		return runWithTUI(ctx, runner, bus)
	}

	outcome, err := runner.Run(ctx)
	bus.Close()
	if err != nil {
		return 0, err
	}
	return outcome.Terminal.ExitCode(), nil
}

// runWithTUI runs the loop in the background while the monitor owns the
// terminal. The monitor quits itself on the run-finished event.
func runWithTUI(ctx context.Context, runner *loop.Runner, bus *events.Bus) (int, error) {
	program := tea.NewProgram(tui.New(bus))

	type runResult struct {
		outcome loop.Outcome
		err     error
	}
	resultCh := make(chan runResult, 1)
	go func() {
		outcome, err := runner.Run(ctx)
		bus.Close()
		resultCh <- runResult{outcome, err}
	}()

	if _, err := program.Run(); err != nil {
		log.Printf("WARNING: monitor failed: %v", err)
	}

	res := <-resultCh
	if res.err != nil {
		return 0, res.err
	}
	return res.outcome.Terminal.ExitCode(), nil
}

// applyFlags folds CLI overrides into the merged configuration. Explicit
// negative flags win over their positive counterparts.
func applyFlags(cfg *config.Config, cmd *cobra.Command, flags *runFlags, args []string) {
	if len(args) == 1 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			cfg.Loop.MaxIterations = n
		}
	}

	// Viper resolves an explicit flag over the PRDLOOP_ env var over the
	// flag default, so env overrides apply only when the flag is absent.
	if prd := viper.GetString("prd"); prd != "" {
		flags.prdPath = prd
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Loop.TimeoutSeconds = flags.timeout
	} else if v := viper.GetInt("timeout"); v > 0 {
		cfg.Loop.TimeoutSeconds = v
	}
	if flags.noTimeout {
		cfg.Loop.TimeoutSeconds = 0
	}

	if cmd.Flags().Changed("rotation") {
		cfg.Rotation.Enabled = flags.rotation
	}
	if changedBool(cmd, "no-rotation") {
		cfg.Rotation.Enabled = false
	}

	if cmd.Flags().Changed("push") {
		cfg.Git.Push.Enabled = flags.push
	}
	if changedBool(cmd, "no-push") {
		cfg.Git.Push.Enabled = false
	}

	if cmd.Flags().Changed("create-pr") {
		cfg.Git.PR.Enabled = flags.createPR
	}
	if changedBool(cmd, "no-pr") {
		cfg.Git.PR.Enabled = false
	}

	if cmd.Flags().Changed("auto-merge") {
		cfg.Git.PR.AutoMerge = flags.autoMerge
	}
	if changedBool(cmd, "no-auto-merge") {
		cfg.Git.PR.AutoMerge = false
	}
}

func changedBool(cmd *cobra.Command, name string) bool {
	if !cmd.Flags().Changed(name) {
		return false
	}
	v, _ := cmd.Flags().GetBool(name)
	return v
}

// buildMachine constructs the rotation policy from the config and the
// catalog. With rotation disabled the primary agent and model are pinned
// by an unreachable failure threshold.
func buildMachine(cfg *config.Config, catalog agent.Catalog, fingerprint string) (*rotation.Machine, error) {
	order := cfg.RotationOrder()
	threshold := cfg.Rotation.FailureThreshold
	if !cfg.Rotation.Enabled {
		order = []string{cfg.Agent.Primary}
		threshold = math.MaxInt32
	}

	agents := make([]rotation.AgentModels, 0, len(order))
	for _, name := range order {
		d, ok := catalog.Agent(name)
		if !ok {
			return nil, fmt.Errorf("agent %q in rotation order is not in the catalog (known: %v)", name, catalog.Names())
		}
		agents = append(agents, rotation.AgentModels{
			Name:   name,
			Models: cfg.ModelsFor(name, d.Models),
		})
	}

	store := rotation.NewStore(rotationPath)
	return rotation.NewMachine(rotation.Config{
		Agents:           agents,
		FailureThreshold: threshold,
		Cooldown:         time.Duration(cfg.Rotation.RateLimitCooldown) * time.Second,
	}, store, fingerprint)
}
