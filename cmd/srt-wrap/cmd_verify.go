package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/YellowOnion/steam-runtime-tools-sub006/manifest"
)

// ErrVerifyUsage is returned when verify is not given exactly one directory.
var ErrVerifyUsage = errors.New("verify takes exactly one directory")

// VerifyCmd creates the verify command, which checks a runtime tree against
// its mtree manifest.
func VerifyCmd(cfg *Config) *Command {
	flags := flag.NewFlagSet("verify", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.String("manifest", "", "Read the manifest from `file` (default: usr-mtree.txt[.gz|.zst] in the tree)")
	flags.Bool("no-hashes", false, "Compare metadata only, skip content hashes")
	flags.IntP("jobs", "j", runtime.GOMAXPROCS(0), "Hash up to `n` files at once")
	flags.Bool("debug", false, "Print progress to stderr")

	return &Command{
		Flags: flags,
		Usage: "verify [flags] <dir>",
		Short: "Check a runtime against its manifest",
		Long: "Check that every file, directory and symlink listed in the manifest exists\n" +
			"in <dir> with the recorded type, permissions, size, target and sha256.",
		Aliases: []string{"check"},
		Exec: func(ctx context.Context, _ io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) != 1 {
				return ErrVerifyUsage
			}

			root := resolveConfigPath(cfg.EffectiveCwd, args[0])

			manifestPath, _ := flags.GetString("manifest")
			if manifestPath != "" {
				manifestPath = resolveConfigPath(cfg.EffectiveCwd, manifestPath)
			} else {
				var err error

				manifestPath, err = findManifest(root)
				if err != nil {
					return err
				}
			}

			debugEnabled, _ := flags.GetBool("debug")
			noHashes, _ := flags.GetBool("no-hashes")
			jobs, _ := flags.GetInt("jobs")

			var debugf func(string, ...any)
			if debugEnabled {
				debugf = NewDebugLogger(stderr).Logf
			}

			entries, err := manifest.Open(manifestPath)
			if err != nil {
				return err
			}

			report, err := manifest.Verify(ctx, root, entries, manifest.VerifyOptions{
				Parallelism: jobs,
				SkipHashes:  noHashes,
				Debugf:      debugf,
			})

			var verifyErr *manifest.VerifyError
			if errors.As(err, &verifyErr) {
				for _, m := range verifyErr.Mismatches {
					fprintf(stdout, "%s: %s\n", m.Name, m.Reason)
				}

				return fmt.Errorf("%s: %d mismatches: %w", root, len(verifyErr.Mismatches), manifest.ErrMismatch)
			}

			if err != nil {
				return err
			}

			fprintf(stdout, "%s: OK (%d entries: %d files, %d directories, %d symlinks; %s hashed)\n",
				root, report.Entries, report.Files, report.Dirs, report.Links,
				humanize.Bytes(uint64(report.BytesHashed)))

			return nil
		},
	}
}
