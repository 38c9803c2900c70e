// Command gmach loads a compiled G-Machine bytecode file, evaluates the
// entry supercombinator to weak-head normal form and prints the halt
// value. `-` as the input file reads standard input.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/overminder/gmach"
)

var (
	log = logrus.New()

	flagHeapSize  int
	flagStackSize int
	flagTrace     bool
	flagForceGC   bool
	flagVerbose   bool
)

func main() {
	root := &cobra.Command{
		Use:           "gmach <inputFile>",
		Short:         "evaluate a compiled G-Machine bytecode program",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runEvaluate,
	}
	root.PersistentFlags().IntVar(&flagHeapSize, "heap-size", 0, "semispace size in bytes (default 64 KiB)")
	root.PersistentFlags().IntVar(&flagStackSize, "stack-size", 0, "value stack capacity in nodes (default 1024)")
	root.PersistentFlags().BoolVar(&flagTrace, "trace", false, "emit one line per dispatched instruction")
	root.PersistentFlags().BoolVar(&flagForceGC, "force-gc", false, "collect at every allocation site")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(&cobra.Command{
		Use:          "disasm <inputFile>",
		Short:        "list the program's supercombinators",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runDisasm,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gmach: %v\n", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (gmach.Config, error) {
	log.SetOutput(os.Stderr)
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := gmach.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("heap-size") {
		cfg.HeapSize = flagHeapSize
	}
	if cmd.Flags().Changed("stack-size") {
		cfg.StackSize = flagStackSize
	}
	if flagTrace {
		cfg.Trace = true
	}
	if flagForceGC {
		cfg.ForceGC = true
	}
	log.Debugf("config: %s", spew.Sdump(cfg))
	return cfg, nil
}

func openInput(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}

func loadMachine(cmd *cobra.Command, inputName string) (*gmach.Machine, error) {
	cfg, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	in, err := openInput(inputName)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	m, err := gmach.Load(in, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.Trace {
		m.SetTracer(gmach.NewTracer(os.Stderr))
	}
	return m, nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	m, err := loadMachine(cmd, args[0])
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Run(); err != nil {
		// Runtime failures are logged at fatal level, which exits with
		// status 1 without returning to cobra. Fatal skips deferred calls,
		// so the heap is closed first.
		m.Close()
		log.Fatalf("%v", err)
	}
	v, err := m.Result()
	if err != nil {
		m.Close()
		log.Fatalf("%v", err)
	}
	fmt.Println(v)
	log.Debug(m.Stats().String())
	return nil
}

func runDisasm(cmd *cobra.Command, args []string) error {
	m, err := loadMachine(cmd, args[0])
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Disassemble(os.Stdout)
}
