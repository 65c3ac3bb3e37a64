// Package repl implements the line-oriented experiment console. Each verb is
// a cobra command; a line is split on whitespace and dispatched by its first
// word.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/experiment-orchestrator/internal/addressing"
	"github.com/hochfrequenz/experiment-orchestrator/internal/experiment"
)

// Prompt is written before every line read
const Prompt = "> "

const clearScreen = "\033[H\033[2J"

// errQuit is returned by the exit verb to end the loop
var errQuit = errors.New("quit")

// REPL dispatches console lines to an experiment
type REPL[T, A any] struct {
	ctx      context.Context
	exp      *experiment.Experiment[T, A]
	resolver *addressing.Resolver
	out      io.Writer

	verbs []*cobra.Command
	index map[string]*cobra.Command

	jobs sync.WaitGroup
}

// New creates a REPL writing to out. Listings are drawn with renderer.
// Background jobs run under ctx.
func New[T, A any](ctx context.Context, exp *experiment.Experiment[T, A], renderer addressing.Renderer, out io.Writer) *REPL[T, A] {
	r := &REPL[T, A]{
		ctx:      ctx,
		exp:      exp,
		resolver: addressing.NewResolver(exp, renderer),
		out:      out,
		index:    make(map[string]*cobra.Command),
	}
	r.register()
	return r
}

// Resolver returns the address resolver holding the last listing
func (r *REPL[T, A]) Resolver() *addressing.Resolver {
	return r.resolver
}

// Run reads lines from in until EOF or an exit verb
func (r *REPL[T, A]) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(r.out, Prompt)
	for scanner.Scan() {
		if r.Execute(scanner.Text()) {
			return nil
		}
		fmt.Fprint(r.out, Prompt)
	}
	return scanner.Err()
}

// Execute runs a single line. It reports true when the line asked to quit.
func (r *REPL[T, A]) Execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	cmd, ok := r.index[fields[0]]
	if !ok {
		fmt.Fprintln(r.out, "Invalid command")
		return false
	}

	cmd.SetArgs(fields[1:])
	err := cmd.Execute()
	if errors.Is(err, errQuit) {
		return true
	}
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
	}
	return false
}

// Wait blocks until every background job has finished
func (r *REPL[T, A]) Wait() {
	r.jobs.Wait()
}

func (r *REPL[T, A]) verb(use, short string, args cobra.PositionalArgs, run func(args []string) error) {
	name, _, _ := strings.Cut(use, " ")
	names := strings.Split(name, "|")
	cmd := &cobra.Command{
		Use:                use,
		Short:              short,
		Args:               args,
		DisableFlagParsing: true,
		SilenceErrors:      true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	r.verbs = append(r.verbs, cmd)
	for _, n := range names {
		r.index[n] = cmd
	}
}

func (r *REPL[T, A]) background(name string, fn func(ctx context.Context) error) {
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		if err := fn(r.ctx); err != nil {
			log.Printf("%s: %v", name, err)
			return
		}
		log.Printf("%s finished", name)
	}()
}

func (r *REPL[T, A]) register() {
	r.verb("help|h|?", "Prints this help message", cobra.NoArgs, r.help)
	r.verb("exit|quit|q", "Exits the REPL", cobra.NoArgs, func([]string) error { return errQuit })
	r.verb("clear|c", "Clears the console", cobra.NoArgs, func([]string) error {
		fmt.Fprint(r.out, clearScreen)
		return nil
	})
	r.verb("list|ls [query]", "List all runs", cobra.MaximumNArgs(1), r.list)
	r.verb("status", "Show experiment progress", cobra.NoArgs, r.status)
	r.verb("rerun_fails", "Rerun all failed runs", cobra.NoArgs, r.rerunFails)
	r.verb("save NAME", "Save all results from runs in one file", cobra.ExactArgs(1), r.save)
	r.verb("run_n N [query]", "Run n runs at a time", cobra.MatchAll(cobra.RangeArgs(1, 2), intArg(0)), r.runN)
	r.verb("cancel_run_n", "Cancel all runs that are running or scheduled to run", cobra.NoArgs, r.cancelRunN)
	r.verb("stop QUERY...", "Stop a run", cobra.MinimumNArgs(1), r.stop)
	r.verb("load PATH [ARGS...]", "Load from file", cobra.MinimumNArgs(1), r.load)
	r.verb("clear_runs", "Clear all runs from memory", cobra.NoArgs, r.clearRuns)
	r.verb("clear_run ADDR", "Clear one run from memory", cobra.ExactArgs(1), r.clearRun)
	r.verb("detail QUERY...", "Get details of a run", cobra.MinimumNArgs(1), r.detail)
	r.verb("run_one ADDR", "Run one run", cobra.ExactArgs(1), r.runOne)
	r.verb("run_all", "Run every batch", cobra.NoArgs, r.runAll)
}

// intArg requires the positional argument at i to be an integer
func intArg(i int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if i >= len(args) {
			return nil
		}
		if _, err := strconv.Atoi(args[i]); err != nil {
			return fmt.Errorf("argument %d: %q is not a number", i, args[i])
		}
		return nil
	}
}

func (r *REPL[T, A]) help([]string) error {
	fmt.Fprintln(r.out, "OPTIONS")
	for _, cmd := range r.verbs {
		name, rest, _ := strings.Cut(cmd.Use, " ")
		fmt.Fprintf(r.out, "[ %s ] %s\n", name, rest)
		fmt.Fprintf(r.out, "\t%s\n", cmd.Short)
	}
	fmt.Fprintln(r.out, "Queries: r:REGEX, a:ADDRESS_EXPR or a substring of address/status")
	fmt.Fprintln(r.out, "Addresses: batch:id, an index into the last listing, [lo-hi] or *")
	return nil
}

func (r *REPL[T, A]) list(args []string) error {
	_, err := r.resolver.ListRuns(firstArg(args))
	return err
}

func (r *REPL[T, A]) status([]string) error {
	status := r.exp.Status()
	if status == "" {
		fmt.Fprintln(r.out, "No runs loaded")
		return nil
	}
	fmt.Fprintln(r.out, status)
	if r.exp.ThrottledRunActive() {
		fmt.Fprintln(r.out, "Throttled run in progress")
	}
	return nil
}

func (r *REPL[T, A]) rerunFails([]string) error {
	r.background("rerun_fails", func(ctx context.Context) error {
		return summarize(r.exp.RunFails(ctx))
	})
	return nil
}

func (r *REPL[T, A]) save(args []string) error {
	n, err := r.exp.SaveInOneFile(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Saved %s to %s\n", humanize.Bytes(uint64(n)), args[0])
	return nil
}

func (r *REPL[T, A]) runN(args []string) error {
	n, _ := strconv.Atoi(args[0])
	if n < 1 {
		return experiment.ErrInvalidChunkSize
	}
	if r.exp.ThrottledRunActive() {
		return experiment.ErrThrottleActive
	}
	list, err := r.resolver.ListRuns(firstArg(args[1:]))
	if err != nil {
		return err
	}
	addrs := make([]string, len(list))
	for i, e := range list {
		addrs[i] = e.Address
	}
	r.background("run_n", func(ctx context.Context) error {
		return r.exp.RunNAtATime(ctx, n, addrs)
	})
	return nil
}

func (r *REPL[T, A]) cancelRunN([]string) error {
	if !r.exp.ThrottledRunActive() {
		fmt.Fprintln(r.out, "No throttled run active")
		return nil
	}
	r.exp.CancelThrottledRuns()
	fmt.Fprintln(r.out, "Cancelling throttled runs after the current chunk")
	return nil
}

func (r *REPL[T, A]) stop(args []string) error {
	for _, addr := range r.resolver.Resolve(args) {
		if r.exp.StopRun(addr) {
			fmt.Fprintf(r.out, "Stopping %s\n", addr)
		}
	}
	return nil
}

func (r *REPL[T, A]) load(args []string) error {
	if err := r.exp.LoadFromFile(r.ctx, args[0], args[1:]...); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Loaded %s\n", args[0])
	return nil
}

func (r *REPL[T, A]) clearRuns([]string) error {
	r.exp.ClearRuns()
	fmt.Fprintln(r.out, "Cleared all runs")
	return nil
}

func (r *REPL[T, A]) clearRun(args []string) error {
	if !r.exp.ClearRun(args[0]) {
		fmt.Fprintf(r.out, "No run at %s\n", args[0])
		return nil
	}
	fmt.Fprintf(r.out, "Cleared %s\n", args[0])
	return nil
}

func (r *REPL[T, A]) detail(args []string) error {
	for _, addr := range r.resolver.Resolve(args) {
		s, ok := r.exp.Detail(addr)
		if !ok {
			continue
		}
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s: %w", addr, err)
		}
		fmt.Fprintf(r.out, "%s\n%s\n", addr, data)
	}
	return nil
}

func (r *REPL[T, A]) runOne(args []string) error {
	addr := args[0]
	if !r.exp.HasAddress(addr) {
		fmt.Fprintf(r.out, "No run at %s\n", addr)
		return nil
	}
	r.background("run_one "+addr, func(ctx context.Context) error {
		return r.exp.RunOne(ctx, addr)
	})
	return nil
}

func (r *REPL[T, A]) runAll([]string) error {
	r.background("run_all", func(ctx context.Context) error {
		return summarize(r.exp.RunAllBatches(ctx))
	})
	return nil
}

func summarize[T, A any](results []experiment.Result[T, A]) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Address, res.Err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d runs failed: %w", len(errs), len(results), errors.Join(errs...))
	}
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
