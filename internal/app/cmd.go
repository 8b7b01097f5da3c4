package app

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/hitoshi/challengebot/internal/config"
)

// NewRootCommand はボットのルートコマンドを生成する。
// 引数なしで起動した場合はボットを起動する。
// wはログとコマンド出力の書き込み先。
func NewRootCommand(w io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "challengebot [config-path]",
		Short: "Weekly drawing challenge bot",
		Long: `Posts drawing challenges from an RSS/Atom feed to every chat room
the bot has joined, at most once per delivery interval per room.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w, configPath(args))
			if err != nil {
				return err
			}
			return runBot(cfg)
		},
	}

	cmd.SetOut(w)
	cmd.SetErr(w)

	cmd.AddCommand(newMigrateCommand(w))
	cmd.AddCommand(newHealthcheckCommand(w))

	return cmd
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	var target uint

	cmd := &cobra.Command{
		Use:   "migrate [config-path]",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations one version at a time.

With --target, migrate up to the given version instead of the latest.
Migrations only move forward: a target at or below the current version
leaves the schema unchanged.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w, configPath(args))
			if err != nil {
				return err
			}
			return runMigrate(cfg, target)
		},
	}

	cmd.Flags().UintVar(&target, "target", 0, "target schema version (0 = latest)")

	return cmd
}

// newHealthcheckCommand はdistroless環境でのDockerヘルスチェック用コマンドを生成する。
func newHealthcheckCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:           "healthcheck [config-path]",
		Short:         "Check the ops server health endpoint",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w, configPath(args))
			if err != nil {
				return err
			}
			return runHealthcheck(cfg.Server.Port)
		},
	}
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return config.DefaultPath
}
