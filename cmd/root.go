package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmm-sh/dmm/internal/config"
)

var (
	rootDir string
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dmm",
	Short: "Dynamic markdown memory engine",
	Long: `dmm indexes a tree of markdown memory files, serves token-budgeted
memory packs for agent queries, and runs a reviewed write-back pipeline
so agents can propose new memories without editing files directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitCode(err)
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "project root containing .dmm/")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default <root>/.dmm/daemon.config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// Exit codes: 1 generic, 2 configuration, 3 daemon unreachable.
const (
	codeGeneric     = 1
	codeConfig      = 2
	codeUnreachable = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error      { return &exitError{code: codeConfig, err: err} }
func unreachableError(err error) error { return &exitError{code: codeUnreachable, err: err} }

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var ve *config.ValidationError
	if errors.As(err, &ve) {
		return codeConfig
	}
	return codeGeneric
}

// loadConfig resolves the project root and loads its configuration.
func loadConfig() (*config.Config, config.Paths, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, config.Paths{}, configError(err)
	}
	paths := config.NewPaths(abs)
	path := cfgFile
	if path == "" {
		path = paths.ConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, config.Paths{}, configError(err)
	}
	return cfg, paths, nil
}
