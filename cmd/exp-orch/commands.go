package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/experiment-orchestrator/internal/addressing"
	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
	"github.com/hochfrequenz/experiment-orchestrator/internal/questions"
	"github.com/hochfrequenz/experiment-orchestrator/internal/render"
	"github.com/hochfrequenz/experiment-orchestrator/internal/repl"
	"github.com/hochfrequenz/experiment-orchestrator/tui"
	"github.com/hochfrequenz/experiment-orchestrator/web/api"
)

var (
	plainOutput bool
	tuiRun      bool
	servePort   int
	serveHost   string
	runParallel int
	runOutput   string
)

func init() {
	// repl command
	replCmd := &cobra.Command{
		Use:   "repl [FILE...]",
		Short: "Interactive console over an experiment",
		RunE:  runREPL,
	}
	replCmd.Flags().BoolVar(&plainOutput, "plain", false, "render listings without colors or borders")
	rootCmd.AddCommand(replCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui [FILE...]",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	}
	tuiCmd.Flags().BoolVar(&tuiRun, "run", false, "start every run, max_parallel at a time")
	rootCmd.AddCommand(tuiCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve [FILE...]",
		Short: "Start web API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	rootCmd.AddCommand(serveCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run FILE...",
		Short: "Run every loaded question without a console and save the results",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runHeadless,
	}
	runCmd.Flags().IntVarP(&runParallel, "parallel", "n", 0, "runs at a time (default max_parallel from config)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "results file (default results_path from config)")
	rootCmd.AddCommand(runCmd)

	// inspect command
	inspectCmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Summarize a saved results file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	rootCmd.AddCommand(inspectCmd)
}

// start loads configuration and a session with the given files preloaded
func start(ctx context.Context, files []string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := newSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.preload(ctx, files); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func runREPL(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	s, err := start(ctx, args)
	if err != nil {
		return err
	}
	defer s.close()

	var renderer addressing.Renderer
	if plainOutput {
		renderer = render.NewPlain(os.Stdout)
	} else {
		renderer = render.NewStyled(os.Stdout)
	}

	console := repl.New(ctx, s.exp, renderer, os.Stdout)
	if err := console.Run(os.Stdin); err != nil {
		return err
	}
	stop()
	console.Wait()
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := start(ctx, args)
	if err != nil {
		return err
	}
	defer s.close()

	if tuiRun {
		go func() {
			// Per-run failures show up in the dashboard
			if err := s.exp.RunNAtATime(ctx, s.cfg.General.MaxParallel, addresses(s.exp.RunList())); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("tui run: %v", err)
			}
		}()
	}

	model := tui.NewModel(tui.ModelConfig{
		Source:   s.exp,
		Observer: s.observer,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := start(ctx, args)
	if err != nil {
		return err
	}
	defer s.close()

	host := s.cfg.Web.Host
	if serveHost != "" {
		host = serveHost
	}
	port := s.cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	server := api.NewServer[questions.Question, string](ctx, s.exp, s.observer, addr)
	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	fmt.Printf("Serving experiment %s on http://%s\n", s.exp.ID(), addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runHeadless(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := start(ctx, args)
	if err != nil {
		return err
	}
	defer s.close()

	n := s.cfg.General.MaxParallel
	if runParallel != 0 {
		n = runParallel
	}
	out := s.cfg.General.ResultsPath
	if runOutput != "" {
		out = runOutput
	}

	addrs := addresses(s.exp.RunList())
	started := time.Now()
	runErr := s.exp.RunNAtATime(ctx, n, addrs)

	// Save whatever settled, even after an interrupt
	size, err := s.exp.SaveInOneFile(out)
	if err != nil {
		return fmt.Errorf("saving %s: %w", out, err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%d runs in %s, saved %s to %s\n\n", len(addrs),
		time.Since(started).Round(time.Millisecond), humanize.Bytes(uint64(size)), out)
	if err := printSummary(w, s.exp.Serialized()); err != nil {
		return err
	}
	return runErr
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	runs, err := experiment.ReadResults[questions.Question, string](path)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return errors.New("results file contains no runs")
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: %d runs, %s, saved %s\n", path, len(runs),
		humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
	return printSummary(w, runs)
}

// printSummary writes answer, status and score counts plus accuracy over scored runs
func printSummary(w io.Writer, runs []experiment.Serialized[questions.Question, string]) error {
	byStatus := map[domain.RunStatus]int{}
	byScore := map[domain.Score]int{}
	answered := 0
	for _, r := range runs {
		byStatus[r.Status]++
		byScore[r.Score]++
		if r.Answer != nil {
			answered++
		}
	}
	fmt.Fprintf(w, "Answered: %d/%d\n\n", answered, len(runs))

	table := render.NewPlain(w)
	var statusRows [][]string
	for _, st := range []domain.RunStatus{domain.RunReady, domain.RunIncomplete, domain.RunComplete, domain.RunFail} {
		statusRows = append(statusRows, []string{string(st), humanize.Comma(int64(byStatus[st]))})
	}
	if err := table.RenderTable([]string{"STATUS", "RUNS"}, statusRows); err != nil {
		return err
	}
	fmt.Fprintln(w)

	var scoreRows [][]string
	for _, sc := range []domain.Score{domain.ScoreCorrect, domain.ScoreIncorrect, domain.ScoreNone} {
		scoreRows = append(scoreRows, []string{sc.String(), humanize.Comma(int64(byScore[sc]))})
	}
	if err := table.RenderTable([]string{"SCORE", "RUNS"}, scoreRows); err != nil {
		return err
	}
	if scored := byScore[domain.ScoreCorrect] + byScore[domain.ScoreIncorrect]; scored > 0 {
		fmt.Fprintf(w, "\nAccuracy: %.1f%%\n", 100*float64(byScore[domain.ScoreCorrect])/float64(scored))
	}
	return nil
}

func addresses(list []domain.ListEntry) []string {
	addrs := make([]string, 0, len(list))
	for _, e := range list {
		addrs = append(addrs, e.Address)
	}
	return addrs
}
