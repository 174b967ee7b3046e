// Copyright 2025-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/couchbase/gokvclient/log"
	"github.com/couchbase/gokvclient/proxy"
)

var rootCmd = &cobra.Command{
	Use:   "cbkvproxy",
	Short: "key/value protocol proxy",
	Long: `cbkvproxy forwards binary key/value frames to an upstream data node.
STAT requests whose key begins with "query " or "search " are redirected
to the corresponding HTTP service instead of being forwarded.
Flags can also be set through CBKVPROXY_* environment variables.`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().String("listen", ":11210", "address to accept client connections on")
	rootCmd.PersistentFlags().String("upstream", "127.0.0.1:11210", "data node to forward frames to")
	rootCmd.PersistentFlags().String("log-level", log.LOG_LEVEL_INFO_STR, "Error, Info, Debug or Trace")

	viper.SetEnvPrefix("CBKVPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlags(rootCmd.PersistentFlags())
}

func run(cmd *cobra.Command, args []string) error {
	level, err := log.LogLevelFromStr(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	logger_ctx := &log.LoggerContext{Log_file: os.Stdout, Log_level: level}

	p := proxy.NewProxy(viper.GetString("listen"), viper.GetString("upstream"), nil, nil, logger_ctx)
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
