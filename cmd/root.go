// Package cmd provides the CLI commands of the bot.
//
// Commands:
//   - serve: connect to Slack over Socket Mode and answer mentions
//   - version: show build and configuration information
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gptbot",
	Short: "gptbot - Slack で質問に答える検索拡張アシスタント",
	Long: `gptbot はメンションされた質問に答える Slack ボットです。
スレッドの文脈と添付ファイルを読み、必要に応じてウェブ検索で
裏付けを取ってから回答します。

サブコマンドなしで実行すると serve と同じ動作になります。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
