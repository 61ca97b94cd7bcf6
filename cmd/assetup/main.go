package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	aconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	uploader "github.com/goliatone/go-asset-uploader"
	"github.com/goliatone/go-asset-uploader/cmd/assetup/config"
	gconf "github.com/goliatone/go-config/config"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
)

const s3Scheme = "s3://"

type App struct {
	cfg      *config.Config
	logger   uploader.Logger
	s3Client *s3.Client
}

func (a App) Config() *config.Config {
	return a.cfg
}

func (a App) IsDevelopment() bool {
	return a.cfg.GetEnvironment() == "development"
}

func (a *App) Logger(name string) uploader.Logger {
	return a.logger
}

func NewApp(configPath string) (*App, error) {
	log := glog.NewLogger(
		glog.WithName("assetup"),
		glog.WithLevel(glog.Debug),
		glog.WithLoggerTypePretty(),
	)

	cfg := &config.Config{}
	container := gconf.New(cfg).
		WithProvider(gconf.EnvProvider[*config.Config]("ASSETUP_", "__")).
		WithProvider(gconf.FileProvider[*config.Config](configPath)).
		WithLogger(log)

	if err := container.LoadWithDefaults(); err != nil {
		return nil, err
	}

	return &App{cfg: cfg, logger: log}, nil
}

// S3 builds the client lazily; only s3:// inputs need it.
func (a *App) S3(ctx context.Context) (*s3.Client, error) {
	if a.s3Client != nil {
		return a.s3Client, nil
	}

	cfg := a.Config().S3
	awsCfg, err := aconfig.LoadDefaultConfig(ctx,
		aconfig.WithRegion(cfg.Region),
		aconfig.WithSharedConfigProfile(cfg.Profile),
	)
	if err != nil {
		return nil, err
	}

	var opts = func(o *s3.Options) {}
	if a.IsDevelopment() && cfg.EndpointURL != "" {
		opts = func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	}

	a.s3Client = s3.NewFromConfig(awsCfg, opts)
	return a.s3Client, nil
}

func (a *App) NewManager() (*uploader.Manager, error) {
	cfg := a.Config()

	opts := []uploader.Option{
		uploader.WithLogger(a.Logger("uploader")),
		uploader.WithEndpoints(cfg.Endpoints),
		uploader.WithRetryConfig(cfg.Retry),
		uploader.WithEventHandler(a.renderEvent),
	}

	for k, v := range cfg.Headers {
		opts = append(opts, uploader.WithServiceHeader(k, v))
	}

	if cfg.PageLimits != nil {
		opts = append(opts, uploader.WithPageLimits(*cfg.PageLimits))
	}

	if cfg.MaxFileSize > 0 {
		opts = append(opts, uploader.WithValidator(uploader.NewValidator(uploader.WithUploadMaxFileSize(cfg.MaxFileSize))))
	}

	if cfg.RateLimit.RPS > 0 {
		opts = append(opts, uploader.WithRequestRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	if cfg.ProfileTable != "" {
		f, err := os.Open(cfg.ProfileTable)
		if err != nil {
			return nil, fmt.Errorf("open profile table: %w", err)
		}
		defer f.Close()

		table, err := uploader.LoadProfileTable(f)
		if err != nil {
			return nil, err
		}
		opts = append(opts, uploader.WithProfileTable(table))
	}

	return uploader.NewManager(opts...), nil
}

// Files resolves command line arguments into upload files. Local paths are
// read from disk and local directories are walked. s3://bucket/key arguments
// are streamed with ranged reads; an s3://bucket/prefix/ argument uploads
// every object under the prefix.
func (a *App) Files(ctx context.Context, args []string) ([]uploader.File, error) {
	files := make([]uploader.File, 0, len(args))
	for _, arg := range args {
		var (
			found []uploader.File
			err   error
		)

		if strings.HasPrefix(arg, s3Scheme) {
			found, err = a.s3Files(ctx, arg)
		} else {
			found, err = localFiles(ctx, arg)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}

		files = append(files, found...)
	}
	return files, nil
}

func localFiles(ctx context.Context, arg string) ([]uploader.File, error) {
	info, err := os.Stat(arg)
	if err == nil && info.IsDir() {
		return uploader.FSFiles(ctx, os.DirFS(arg), ".")
	}

	file, err := uploader.LocalFile(arg)
	if err != nil {
		return nil, err
	}
	return []uploader.File{file}, nil
}

func (a *App) s3Files(ctx context.Context, arg string) ([]uploader.File, error) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(arg, s3Scheme), "/")
	if bucket == "" {
		return nil, uploader.ErrInvalidPath
	}

	client, err := a.S3(ctx)
	if err != nil {
		return nil, err
	}

	basePath := a.Config().S3.BasePath

	if key == "" || strings.HasSuffix(key, "/") {
		return uploader.FSFiles(ctx, uploader.NewS3FS(client, bucket), path.Join(basePath, key))
	}

	src := uploader.NewS3Source(client, bucket, key).
		WithBasePath(basePath).
		WithLogger(a.Logger("s3"))

	file, err := src.Describe(ctx)
	if err != nil {
		return nil, err
	}
	return []uploader.File{file}, nil
}

func (a *App) renderEvent(ctx context.Context, ev uploader.Event) error {
	log := a.Logger("events")
	switch ev.Type {
	case uploader.EventUploadFailed:
		log.Error("upload failed", "file", ev.FileName, "stage", ev.Stage, "kind", ev.Kind, "error", ev.Err)
	case uploader.EventChunkUploaded:
		log.Debug("chunk uploaded", "file", ev.FileName, "part", ev.PartNumber, "attempt", ev.Attempt)
	default:
		log.Info(string(ev.Type), "file", ev.FileName, "asset_id", ev.AssetID)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "./config/app.json", "path to the JSON configuration file")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: assetup [-config app.json] <file|dir|s3://bucket/key|s3://bucket/prefix/>...")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, flag.Args()); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string) error {
	app, err := NewApp(configPath)
	if err != nil {
		return err
	}

	manager, err := app.NewManager()
	if err != nil {
		return err
	}

	files, err := app.Files(ctx, args)
	if err != nil {
		return err
	}

	result, err := manager.Upload(ctx, files)
	if err != nil {
		if result != nil {
			report(app.Logger("report"), result)
		}
		return err
	}

	report(app.Logger("report"), result)
	return nil
}

func report(log uploader.Logger, result *uploader.BatchResult) {
	if result.Cancelled {
		return
	}

	log.Info("session finished",
		"session_id", result.SessionID,
		"tier", result.Tier,
		"uploaded", len(result.Assets),
		"failed", len(result.Failed),
		"partial", result.PartialFailure,
	)

	for _, asset := range result.Assets {
		fmt.Println(print.MaybeHighlightJSON(asset))
	}

	for _, failure := range result.Failed {
		if !failure.Kind.UserFacing() {
			continue
		}
		log.Error("file not uploaded", "file", failure.FileName, "stage", failure.Stage, "kind", failure.Kind, "error", failure.Err)
	}
}
