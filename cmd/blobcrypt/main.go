package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/kenneth/blobcrypt/cmd/blobcrypt/commands"
	"github.com/kenneth/blobcrypt/internal/config"
)

var version = "dev"

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	cmd := &cli.Command{
		Name:    "blobcrypt",
		Usage:   "Encrypt and decrypt local files with blob envelope encryption",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Sources: cli.EnvVars("CONFIG_PATH"),
				Usage:   "Path to the YAML configuration holding the encryption section",
			},
			&cli.StringFlag{
				Name:  "protocol",
				Usage: "Encryption protocol for new files (1.0, 2.0 or 2.1)",
			},
			&cli.Int64Flag{
				Name:  "region-length",
				Usage: "Plaintext bytes per authenticated region (protocol 2.1)",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log progress to stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "encrypt",
				Usage: "Encrypt a file; metadata goes to <out>.meta.json",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Required: true, Usage: "Plaintext input file"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Required: true, Usage: "Ciphertext output file"},
					&cli.StringSliceFlag{Name: "meta", Aliases: []string{"m"}, Usage: "Metadata as name=value, repeatable"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					env, err := newEnv(cmd, logger)
					if err != nil {
						return err
					}
					metadata, err := commands.ParseMetadata(cmd.StringSlice("meta"))
					if err != nil {
						return err
					}
					return commands.RunEncrypt(ctx, env, cmd.String("in"), cmd.String("out"), metadata)
				},
			},
			{
				Name:  "decrypt",
				Usage: "Decrypt a file, or a byte range of its plaintext",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Required: true, Usage: "Ciphertext input file"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "-", Usage: "Plaintext output file, - for stdout"},
					&cli.StringFlag{Name: "range", Aliases: []string{"r"}, Usage: "Plaintext byte range, e.g. bytes=100-199 or bytes=-50"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					env, err := newEnv(cmd, logger)
					if err != nil {
						return err
					}
					return commands.RunDecrypt(ctx, env, cmd.String("in"), cmd.String("out"), cmd.String("range"))
				},
			},
			{
				Name:  "inspect",
				Usage: "Show the protocol, key id and plaintext length of a file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Required: true, Usage: "Ciphertext input file"},
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "text", Usage: "Output format: 'text' or 'json'"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					env, err := newEnv(cmd, logger)
					if err != nil {
						return err
					}
					return commands.RunInspect(ctx, env, cmd.String("in"), cmd.String("format"))
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.WithError(err).Error("blobcrypt failed")
		os.Exit(1)
	}
}

// newEnv loads the configuration and applies the global flag overrides.
func newEnv(cmd *cli.Command, logger *logrus.Logger) (commands.Env, error) {
	if cmd.Bool("verbose") {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return commands.Env{}, err
	}
	if p := cmd.String("protocol"); p != "" {
		cfg.Encryption.Protocol = p
		cfg.Encryption.RegionLength = 0
	}
	if n := cmd.Int64("region-length"); n != 0 {
		cfg.Encryption.RegionLength = n
	}
	if err := cfg.Encryption.Validate(); err != nil {
		return commands.Env{}, fmt.Errorf("invalid encryption settings: %w", err)
	}
	return commands.Env{Config: cfg, Logger: logger, Stdout: os.Stdout}, nil
}
