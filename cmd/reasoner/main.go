package main

import (
	"log"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "reasoner",
		Short:         "Reasoning agent teams over a shared conversation memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(serveCMD(&cfgPath), migrateCMD(&cfgPath), chatCMD(&cfgPath), hashPasswordCMD())
	if err := root.Execute(); err != nil {
		log.Fatalf("reasoner: %v", err)
	}
}
