package main

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/relay"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration with defaults applied and secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg, err = relay.PrepareConfig(cfg)
			if err != nil {
				return errm.Wrap(err, "prepare config")
			}

			out, err := yaml.Marshal(redact(cfg))
			if err != nil {
				return errm.Wrap(err, "marshal config")
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func loadConfig(cmd *cobra.Command) (relay.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return relay.Config{}, errm.Wrap(err, "load env file", "path", envFile)
		}
	}

	path, _ := cmd.Flags().GetString("config")
	return relay.ReadConfig(path)
}

func redact(cfg relay.Config) relay.Config {
	for _, s := range []*string{
		&cfg.Token,
		&cfg.SecretToken,
		&cfg.Settings.Mongo.Password,
		&cfg.Settings.Redis.Password,
		&cfg.Offload.SecretAccessKey,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	return cfg
}
