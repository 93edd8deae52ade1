package main

import (
	"fmt"

	"github.com/mohammad-safakhou/reasoner/internal/runtime"
	"github.com/spf13/cobra"
)

func hashPasswordCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash to place under server.users",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := runtime.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
