package main

import (
	"fmt"

	"confluence/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var checkDump bool

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file",
	Long: `加载并校验配置（含 include 链与默认值），--dump 输出生效后的配置。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s ok\n", configPath)
		if !checkDump {
			return nil
		}
		raw, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
	checkConfigCmd.Flags().BoolVar(&checkDump, "dump", false, "输出生效后的配置")
}
