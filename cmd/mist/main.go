package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mist-sync/mist/internal/config"
	"github.com/mist-sync/mist/internal/crypt"
	"github.com/mist-sync/mist/internal/engine"
	"github.com/mist-sync/mist/internal/engine/s3mirror"
	"github.com/mist-sync/mist/internal/fingerprint"
	"github.com/mist-sync/mist/internal/orchestrator"
	"github.com/mist-sync/mist/internal/staging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	pushFlag    bool
	pullFlag    bool
	assumeYes   bool
	forceFlag   bool
	quiet       bool
	verbose     bool
	configPath  string
	concurrency int
)

// Exit codes distinguish failure classes so scripts can react without
// parsing log output.
const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitEncryption = 3
	exitEngine     = 4
	exitContention = 5
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mist <PROFILE>",
		Short: "Encrypted directory synchronization over SSH or S3",
		Long: `mist keeps a local plaintext directory in sync with a remote
encrypted copy. Files are encrypted per recipient with gpg before they
leave the machine; the remote only ever sees ciphertext.`,
		Version: fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
		Args:    cobra.ExactArgs(1),
		RunE:    run,
		// Errors are logged with context already; cobra's echo would
		// duplicate them.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.Flags().BoolVar(&pushFlag, "push", false, "Mirror local changes to the remote, overwriting it")
	rootCmd.Flags().BoolVar(&pullFlag, "pull", false, "Mirror the remote to the local directory, overwriting it")
	rootCmd.MarkFlagsMutuallyExclusive("push", "pull")
	rootCmd.Flags().BoolVarP(&assumeYes, "assume-yes", "y", false, "Answer yes to all confirmation prompts")
	rootCmd.Flags().BoolVar(&forceFlag, "force", false, "Push even when the local tree appears unchanged")
	rootCmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress non-error output")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug output")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to the configuration file (overrides the search paths)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 8, "Number of concurrent S3 transfers")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	switch {
	case verbose:
		log.SetLevel(log.DebugLevel)
	case quiet:
		log.SetLevel(log.ErrorLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	searchPaths := config.DefaultSearchPaths()
	if configPath != "" {
		searchPaths = []string{configPath}
	}
	cfg, err := config.Load(searchPaths)
	if err != nil {
		return err
	}

	profile, err := cfg.Lookup(args[0])
	if err != nil {
		return err
	}

	eng, err := buildEngine(ctx, profile)
	if err != nil {
		return err
	}

	prints := fingerprint.NewStore()

	mode := orchestrator.ModeSync
	if pushFlag {
		mode = orchestrator.ModePush
	} else if pullFlag {
		mode = orchestrator.ModePull
	}

	sess := orchestrator.NewSession(
		orchestrator.Deps{
			Gateway: crypt.NewGPG(profile.GPGProgram),
			Engine:  eng,
			Prints:  prints,
		},
		profile,
		mode,
		orchestrator.Options{
			AssumeYes: assumeYes,
			Force:     forceFlag,
			Confirm:   confirmStdin,
		},
	)
	return sess.Run(ctx)
}

// buildEngine picks the transport from the remote host shape: s3://
// buckets get the native mirror engine, everything else goes over SSH.
func buildEngine(ctx context.Context, profile config.Profile) (engine.Engine, error) {
	remote, err := engine.ParseRemote(profile.RemoteHost, profile.RemotePath)
	if err != nil {
		return nil, err
	}

	if remote.Kind == engine.KindS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return s3mirror.New(s3mirror.NewAWSClient(awsCfg), concurrency), nil
	}
	return engine.NewSSH(), nil
}

func confirmStdin(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var (
		parseErr     *config.ParseError
		duplicateErr *config.DuplicateProfileError
		missingErr   *config.MissingFieldError
		invalidErr   *config.InvalidFieldError
		unsupported  *crypt.UnsupportedFileTypeError
		decryptErr   *crypt.DecryptError
	)
	switch {
	case errors.Is(err, config.ErrNoConfigFile),
		errors.Is(err, config.ErrProfileNotFound),
		errors.As(err, &parseErr),
		errors.As(err, &duplicateErr),
		errors.As(err, &missingErr),
		errors.As(err, &invalidErr):
		return exitConfig
	case errors.Is(err, crypt.ErrKeyNotFound),
		errors.Is(err, crypt.ErrBackendUnavailable),
		errors.As(err, &unsupported),
		errors.As(err, &decryptErr):
		return exitEncryption
	case errors.Is(err, engine.ErrTransport),
		errors.Is(err, engine.ErrEngineFailure),
		errors.Is(err, engine.ErrBidirectionalUnsupported):
		return exitEngine
	case errors.Is(err, staging.ErrAlreadyRunning):
		return exitContention
	}
	return exitFailure
}
