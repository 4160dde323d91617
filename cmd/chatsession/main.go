package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsession/cmd/chatsession/cmds"
	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/logging"
)

var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:           "chatsession",
	Short:         "chatsession serves streaming chat sessions over HTTP",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		envFiles, _ := f.GetStringSlice("env-file")
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		path, _ := f.GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		if lvl, _ := f.GetString("log-level"); lvl != "" {
			loaded.Log.Level = lvl
		}
		if withCaller, _ := f.GetBool("with-caller"); withCaller {
			loaded.Log.Caller = true
		}
		if err := logging.Init(loaded.Log); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func main() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML config file")
	pf.StringSlice("env-file", nil, "Load variables from these .env files (default .env)")
	pf.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.Bool("with-caller", false, "Include caller (file:line) in logs")

	current := func() config.Config { return cfg }
	rootCmd.AddCommand(
		cmds.NewServeCommand(current),
		cmds.NewChatCommand(current),
		cmds.NewRespondCommand(current),
	)

	historyCmd, err := cmds.NewHistoryCommand(current)
	cobra.CheckErr(err)
	cobraHistoryCmd, err := cmds.BuildGlazedCommand(historyCmd)
	cobra.CheckErr(err)
	tokensCmd, err := cmds.NewTokensCommand(current)
	cobra.CheckErr(err)
	cobraTokensCmd, err := cmds.BuildGlazedCommand(tokensCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(cobraHistoryCmd, cobraTokensCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chatsession failed")
		os.Exit(1)
	}
}
