// Command llpe speculatively evaluates Go functions: it hypothetically
// inlines calls and peels loops, propagates constants across the resulting
// context tree, and reports which blocks, edges and values that proves
// dead, certain or constant.
//
// Usage:
//
//	llpe [-config llpe.yaml] [-func regexp] [-dot out.dot] [-debug n] packages...
package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/Tubbz-alt/llpe/internal/peval"
)

var (
	configFlag = flag.String("config", "", "YAML config file with speculation bounds")
	funcFlag   = flag.String("func", ".*", "analyze only functions matching this regexp")
	dotFlag    = flag.String("dot", "", "write the attempt tree of each analyzed function as DOT to this file (\"-\" for stdout)")
	debugFlag  = flag.Int("debug", 0, "debug verbosity (overrides config)")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: llpe [flags] packages...")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := run(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "llpe:", err)
		os.Exit(1)
	}
}

func run(patterns []string) error {
	cfg, err := peval.LoadConfig(*configFlag)
	if err != nil {
		return err
	}
	if *debugFlag > 0 {
		cfg.Debug = *debugFlag
	}
	re, err := regexp.Compile(*funcFlag)
	if err != nil {
		return fmt.Errorf("bad -func pattern: %w", err)
	}

	pkgCfg := &packages.Config{Mode: packages.LoadAllSyntax}
	pkgs, err := packages.Load(pkgCfg, patterns...)
	if err != nil {
		return err
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("packages contain errors")
	}

	prog, ssaPkgs := ssautil.Packages(pkgs, ssa.BuilderMode(0))
	prog.Build()

	var fns []*ssa.Function
	for _, p := range ssaPkgs {
		if p == nil {
			continue
		}
		for _, m := range p.Members {
			fn, ok := m.(*ssa.Function)
			if !ok || len(fn.Blocks) == 0 {
				continue
			}
			if re.MatchString(fn.Name()) {
				fns = append(fns, fn)
			}
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].String() < fns[j].String() })
	if len(fns) == 0 {
		return fmt.Errorf("no functions match %q", *funcFlag)
	}

	for _, fn := range fns {
		a, err := peval.Analyze(fn, cfg)
		if err != nil {
			return err
		}
		if err := a.WriteReport(os.Stdout); err != nil {
			return err
		}
		if *dotFlag != "" {
			if err := writeDOT(a); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeDOT(a *peval.Analysis) error {
	if *dotFlag == "-" {
		return a.WriteDOT(os.Stdout)
	}
	name := *dotFlag
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := a.WriteDOT(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
