// Command schemadiff compares two schema snapshot files and prints the
// structural changes between them.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jacentio/strata/schemadiff"
)

// errChanges makes diff --exit-code fail when the snapshots differ.
var errChanges = errors.New("snapshots differ")

func main() {
	err := newRootCmd(os.Stdout, os.Stderr).Execute()
	switch {
	case errors.Is(err, errChanges):
		os.Exit(2)
	case err != nil:
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var verbose bool
	_, isFile := stderr.(*os.File)
	console := zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339, NoColor: !isFile}
	log := zerolog.New(console).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:           "schemadiff",
		Short:         "Compare entity schema snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log = log.Level(level)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newDiffCmd(stdout, &log), newCheckCmd(stdout, &log))
	return root
}

func newDiffCmd(stdout io.Writer, log *zerolog.Logger) *cobra.Command {
	var (
		from, to  string
		threshold float64
		noRenames bool
		asJSON    bool
		exitCode  bool
	)
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Print the changes turning one snapshot into another",
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := load(from, log)
			if err != nil {
				return err
			}
			cur, err := load(to, log)
			if err != nil {
				return err
			}

			opts := schemadiff.Options{DetectRenames: !noRenames, Threshold: threshold}
			changes, err := schemadiff.Diff(old, cur, opts)
			if err != nil {
				log.Error().Err(err).Msg("diff failed")
				return err
			}
			log.Debug().Int("changes", len(changes)).Bool("renames", opts.DetectRenames).Msg("diff complete")

			if err := printChanges(stdout, changes, asJSON); err != nil {
				return err
			}
			if exitCode && len(changes) > 0 {
				return errChanges
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "older snapshot file")
	cmd.Flags().StringVar(&to, "to", "", "newer snapshot file")
	cmd.Flags().Float64Var(&threshold, "threshold", schemadiff.DefaultThreshold, "lowest similarity paired as a rename")
	cmd.Flags().BoolVar(&noRenames, "no-renames", false, "report renames as removal plus addition")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print changes as JSON")
	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "exit with status 2 when there are changes")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newCheckCmd(stdout io.Writer, log *zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE...",
		Short: "Validate snapshot files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				s, err := load(path, log)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%s: %d entities\n", path, len(s.Entities))
			}
			return nil
		},
	}
}

func load(path string, log *zerolog.Logger) (schemadiff.Snapshot, error) {
	s, err := schemadiff.LoadFile(path)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("failed to load snapshot")
		return schemadiff.Snapshot{}, err
	}
	log.Debug().Str("file", path).Int("entities", len(s.Entities)).Msg("loaded snapshot")
	return s, nil
}

func printChanges(w io.Writer, changes []schemadiff.Change, asJSON bool) error {
	if asJSON {
		if changes == nil {
			changes = []schemadiff.Change{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(changes)
	}
	if len(changes) == 0 {
		fmt.Fprintln(w, "no changes")
		return nil
	}
	for _, c := range changes {
		fmt.Fprintln(w, c.String())
	}
	return nil
}
