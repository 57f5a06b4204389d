//go:build linux

package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.1.0"
)

var (
	rootCmd = &cobra.Command{
		Use:   "tinyrpc",
		Short: "reactor based rpc server and client",
		Long: fmt.Sprintf(`tinyrpc (v%s)

A single-process RPC engine: one event loop per IO thread, the TinyPB
binary frame on the wire and protobuf payloads.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tinyrpc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tinyrpc v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(versionCmd, serveCmd, callCmd)
}

// initConfig reads .env files and TINYRPC_* environment variables
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("tinyrpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
