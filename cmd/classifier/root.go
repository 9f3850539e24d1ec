package cmd

import (
	"fmt"
	"os"

	// Subcommands
	db "github.com/cozy-creator/classifier-server/cmd/classifier/db"
	model "github.com/cozy-creator/classifier-server/cmd/classifier/model"
	run "github.com/cozy-creator/classifier-server/cmd/classifier/run"
	"github.com/cozy-creator/classifier-server/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Cmd = &cobra.Command{
	Use:   "classifier",
	Short: "Image classifier server",
	Long:  "Serves a pretrained image classification model over HTTP and keeps a history of its predictions",

	SilenceUsage: true,

	// Runs before this command and any subcommands
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.InitConfig()
	},
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pflags := Cmd.PersistentFlags()

	pflags.String("home", "", "Path to the classifier home directory")
	pflags.String("config-file", "", "Path to the config file")
	pflags.String("env-file", "", "Path to the env file")

	viper.BindPFlag("home_dir", pflags.Lookup("home"))
	viper.BindPFlag("config_file", pflags.Lookup("config-file"))
	viper.BindPFlag("env_file", pflags.Lookup("env-file"))

	Cmd.AddCommand(run.Cmd, db.Cmd, model.Cmd)
	Cmd.CompletionOptions.HiddenDefaultCmd = true
}
