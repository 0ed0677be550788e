// Copyright 2024 The fpcf Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command fpcf-demo wires a propertystore.Store with the bundled purity
// and escape fixture analyses over a small synthetic call graph, runs one
// phase to quiescence, and prints the resulting properties. It exists to
// exercise the engine end-to-end from the command line, mirroring
// cmd/cue's cobra-command structure.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/bhermann/fpcf/analyses/purity"
	"github.com/bhermann/fpcf/logging/zlog"
	"github.com/bhermann/fpcf/propertystore"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(mainRun())
}

// mainRun executes the root command and returns a process exit code; split
// out from main so the testscript-driven tests (main_test.go) can register
// it as a virtual binary via testscript.RunMain.
func mainRun() int {
	if err := newRootCommand().Execute(); err != nil {
		return 1
	}
	return 0
}

type options struct {
	parallel bool
	workers  int
	methods  []string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "fpcf-demo",
		Short: "Run the fpcf property-store engine over a synthetic call graph",
		Long: "fpcf-demo builds a small synthetic program (a call graph plus two\n" +
			"escape facts), runs the bundled purity and escape fixture analyses to\n" +
			"quiescence, and prints every property the store derived.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.parallel, "parallel", false, "use the parallel (work-stealing) driver instead of the sequential one")
	flags.IntVar(&opts.workers, "workers", 4, "worker pool size when --parallel is set")
	flags.StringSliceVar(&opts.methods, "method", nil, "restrict output to these methods (repeatable); default: all")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	prog := demoProgram()
	logger := zlog.NewConsole(cmd.ErrOrStderr())

	s := propertystore.NewStore(map[propertystore.CapabilityTag]any{
		propertystore.CapabilityLogger: logger,
	})
	s.SetEntityFormatter(func(e propertystore.Entity) string {
		switch v := e.(type) {
		case purity.MethodID:
			return string(v)
		case purity.AllocationSite:
			return fmt.Sprintf("%s#%d", v.Method, v.Index)
		default:
			return fmt.Sprintf("%v", v)
		}
	})

	purityKind, err := s.CreateKind("purity", purity.Order(), purity.Fallback, purity.CycleResolver)
	if err != nil {
		return err
	}
	escapeKind, err := s.CreateKind("escape", purity.EscapeOrder(), purity.EscapeFallback, purity.EscapeCycleResolver)
	if err != nil {
		return err
	}

	if err := purity.ScheduleLazyReturnCheck(s, prog, escapeKind); err != nil {
		return err
	}
	purity.RegisterStaticStoreCheck(s, prog, escapeKind)

	if err := s.SetupPhase([]propertystore.KindID{purityKind, escapeKind}, nil); err != nil {
		return err
	}

	pc := purity.ComputePurity(prog, purityKind)
	for m := range prog.CallGraph {
		s.ScheduleFor(m, pc)
	}
	for site := range prog.ReturnedSites {
		s.Get(site, escapeKind)
	}
	for site := range prog.StaticallyStoredSites {
		s.Get(site, escapeKind)
	}

	if opts.parallel {
		err = s.WaitOnPhaseCompletionParallel(propertystore.ParallelConfig{Workers: opts.workers})
	} else {
		err = s.WaitOnPhaseCompletion()
	}
	if err != nil {
		return err
	}

	printMethodPurities(cmd, s, purityKind, opts.methods)
	stats := s.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "\ntasks=%d fallbacks=%d cycles=%d finalized=%d\n",
		stats.TasksExecuted, stats.FallbacksApplied, stats.CyclesResolved, stats.SlotsFinalized)
	return nil
}

func printMethodPurities(cmd *cobra.Command, s *propertystore.Store, kind propertystore.KindID, restrict []string) {
	allow := make(map[string]bool, len(restrict))
	for _, m := range restrict {
		allow[m] = true
	}

	type row struct {
		method string
		eps    propertystore.EPS
	}
	var rows []row
	for _, eps := range s.EntitiesOfKind(kind) {
		m := string(eps.Entity.(purity.MethodID))
		if len(allow) > 0 && !allow[m] {
			continue
		}
		rows = append(rows, row{method: m, eps: eps})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].method < rows[j].method })

	for _, r := range rows {
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s purity=%v\n", r.method, r.eps.UB)
	}
}

// demoProgram builds a small synthetic call graph exercising a leaf
// (Add), a transitively pure chain (Sum -> Add), a mutually recursive pair
// (IsEven/IsOdd, resolved by the purity cycle resolver), and a
// side-effecting method (LogAndAdd) that is Impure even though its only
// callee, Add, is Pure.
func demoProgram() *purity.Program {
	p := purity.NewProgram()
	p.AddCall("Sum", "Add")
	p.AddCall("IsEven", "IsOdd")
	p.AddCall("IsOdd", "IsEven")
	p.AddCall("LogAndAdd", "Add")
	p.SideEffecting["LogAndAdd"] = true
	// Ensure leaves with no outgoing calls still appear as call-graph keys
	// so the CLI schedules them too.
	for _, leaf := range []purity.MethodID{"Add"} {
		if _, ok := p.CallGraph[leaf]; !ok {
			p.CallGraph[leaf] = nil
		}
	}

	p.ReturnedSites[purity.AllocationSite{Method: "Sum", Index: 0}] = true
	p.StaticallyStoredSites[purity.AllocationSite{Method: "LogAndAdd", Index: 0}] = true
	return p
}
