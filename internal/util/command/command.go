package command

import (
	"github.com/spf13/cobra"
)

// NewSubcommandGroup 创建只承载子命令的分组命令，直接执行时打印帮助
func NewSubcommandGroup(use string, subCommands ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: use + " related subcommands",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(subCommands...)
	return cmd
}
