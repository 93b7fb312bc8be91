package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/realmctl/internal/config"
	"github.com/danmuck/realmctl/internal/logging"
	"github.com/danmuck/realmctl/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "realmctl.toml"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "realmctl",
		Short:         "Provision, replicate and tear down runtime realms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the TOML config")

	root.AddCommand(newServeCmd(&configPath), newConfigCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realm server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logging.Apply(cfg.LoggingConfig())

			svc, err := server.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Str("config", *configPath).Msg("realmctl.serve starting")
			return svc.Run(ctx)
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Scaffold and check config files",
	}

	var (
		kind  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(*configPath, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, *configPath)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "server", "template kind: server|minimal")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var printResolved bool
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !printResolved {
				fmt.Fprintf(out, "%s: ok (%d categories, namespace %q)\n",
					*configPath, len(cfg.Categories), cfg.Registry.Namespace)
				return nil
			}
			raw, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = out.Write(raw)
			return err
		},
	}
	checkCmd.Flags().BoolVar(&printResolved, "print", false, "print the resolved config with defaults applied")

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}
