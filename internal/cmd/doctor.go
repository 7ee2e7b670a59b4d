package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/internal/config"
	"github.com/3leaps/goscribe/internal/observability"
	"github.com/3leaps/goscribe/pkg/publish"
	"github.com/3leaps/goscribe/pkg/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and the configured backends.

Checks the toolchain, configuration, job store, provider settings and, when
manuscripts are published to S3, the AWS credential chain.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)

	// needsConfig checks are skipped when configuration failed to load.
	needsConfig bool
}

func doctorChecks() []doctorCheck {
	return []doctorCheck{
		{name: "Go version", run: checkGoVersion},
		{name: "Fulmen libraries", run: checkFulmen},
		{name: "Data directory", run: checkDataDir},
		{name: "Job store", run: checkStore, needsConfig: true},
		{name: "Provider", run: checkProvider, needsConfig: true},
		{name: "Publish target", run: checkPublish, needsConfig: true},
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	log.Info("=== goscribe doctor ===")

	ctx := cmd.Context()
	cfg, cfgErr := config.Load(ctx, map[string]any{})
	if cfgErr != nil {
		log.Error("[config] ❌ Configuration is invalid", zap.Error(cfgErr))
	} else {
		log.Info("[config] ✅ Configuration loaded")
	}

	checks := doctorChecks()
	failed := 0
	if cfgErr != nil {
		failed++
	}
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] %s...", i+1, len(checks), c.name)
		if c.needsConfig && cfg == nil {
			log.Warn(prefix + " ⏭  skipped (no valid configuration)")
			continue
		}
		detail, err := c.run(ctx, cfg)
		if err != nil {
			failed++
			log.Error(prefix+" ❌ "+detail, zap.Error(err))
			continue
		}
		log.Info(prefix + " ✅ " + detail)
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d check(s) failed", failed))
	}
	log.Info("✅ All checks passed.")
	return nil
}

func checkGoVersion(context.Context, *config.Config) (string, error) {
	v := runtime.Version()
	return fmt.Sprintf("%s %s/%s", v, runtime.GOOS, runtime.GOARCH), nil
}

func checkFulmen(context.Context, *config.Config) (string, error) {
	v := crucible.GetVersion()
	if v.Gofulmen == "" {
		return "gofulmen version unavailable", fmt.Errorf("gofulmen metadata missing")
	}
	return fmt.Sprintf("gofulmen v%s, crucible v%s", v.Gofulmen, v.Crucible), nil
}

func checkDataDir(context.Context, *config.Config) (string, error) {
	dir := gfconfig.GetAppDataDir(config.AppName)
	if dir == "" {
		return "cannot resolve data directory", fmt.Errorf("empty data directory")
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return dir + " (not created yet)", nil
	}
	return dir, nil
}

func checkStore(ctx context.Context, cfg *config.Config) (string, error) {
	comps, err := buildComponents(ctx, cfg, buildOptions{inspect: true})
	if err != nil {
		return "cannot open " + cfg.Store.Driver + " store", err
	}
	defer func() { _ = comps.Close() }()
	if err := (storeHealthChecker{repo: comps.repo}).CheckHealth(ctx); err != nil {
		return "store query failed", err
	}
	jobs, err := comps.repo.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return "store query failed", err
	}
	return fmt.Sprintf("%s store, %d job(s), checkpoints in %s", cfg.Store.Driver, len(jobs), cfg.Checkpoints.Backend), nil
}

func checkProvider(_ context.Context, cfg *config.Config) (string, error) {
	if cfg.Provider.Kind == config.ProviderScripted {
		return "scripted provider (no network calls)", nil
	}
	detail := fmt.Sprintf("%s at %s", cfg.Provider.Kind, cfg.Provider.BaseURL)
	if cfg.Provider.APIKey == "" {
		detail += " (no API key set)"
	} else {
		detail += " (API key " + maskAccessKey(cfg.Provider.APIKey) + ")"
	}
	return detail, nil
}

func checkPublish(ctx context.Context, cfg *config.Config) (string, error) {
	switch cfg.Publish.Target {
	case publish.TargetFile:
		return "file: " + cfg.Publish.Dir, nil
	case publish.TargetS3:
		return checkS3Credentials(ctx, cfg.Publish.S3)
	default:
		return "disabled", nil
	}
}

// checkS3Credentials resolves credentials the way the S3 publisher does.
func checkS3Credentials(ctx context.Context, s3cfg publish.S3Config) (string, error) {
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		return fmt.Sprintf("s3://%s with static key %s", s3cfg.Bucket, maskAccessKey(s3cfg.AccessKeyID)), nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if s3cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s3cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		printAWSCredentialsHelp()
		return "cannot load AWS config", err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "cannot retrieve AWS credentials", err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	region := s3cfg.Region
	if region == "" {
		region = awsCfg.Region
	}
	if region == "" && s3cfg.Endpoint == "" {
		region = imdsRegion(ctx, awsCfg)
	}
	if region == "" {
		region = publish.DefaultAWSRegion + " (default)"
	}
	return fmt.Sprintf("s3://%s in %s with key %s from %s",
		s3cfg.Bucket, region, maskAccessKey(creds.AccessKeyID), source), nil
}

// imdsRegion asks the EC2 instance metadata service for the region. Off EC2
// it gives up after a second and returns "".
func imdsRegion(ctx context.Context, awsCfg aws.Config) string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	out, err := imds.NewFromConfig(awsCfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set publish.s3.access_key_id and publish.s3.secret_access_key, or")
	log.Info("  2. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  3. Set publish.s3.profile to a profile from 'aws configure'")
	log.Info("For S3-compatible storage (MinIO, Wasabi) also set publish.s3.endpoint.")
}
