// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"storj.io/lighthouse/lighthouse"
)

var (
	rootCmd = &cobra.Command{
		Use:   "lighthouse",
		Short: "Search and indexing node for the content ledger",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the lighthouse node",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Ask a running node to shut down",
		RunE:  cmdStop,
	}
	diagCmd = &cobra.Command{
		Use:   "diag",
		Short: "Print the request history of a running node",
		RunE:  cmdDiag,
	}

	confDir string

	runCfg   lighthouse.Config
	setupCfg lighthouse.Config
	adminCfg struct {
		AdminAddress string `help:"admin rpc address of the running node" default:"127.0.0.1:50006"`
	}
)

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "lighthouse")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for lighthouse configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(diagCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(stopCmd, &adminCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(diagCmd, &adminCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	peer, err := lighthouse.New(log, runCfg)
	if err != nil {
		return errs.New("Error creating lighthouse node: %+v", err)
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("lighthouse configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdStop(cmd *cobra.Command, args []string) (err error) {
	answer, err := adminCall("stop")
	if err != nil {
		return err
	}
	fmt.Println(string(answer))
	return nil
}

func cmdDiag(cmd *cobra.Command, args []string) (err error) {
	answer, err := adminCall("dump_sessions")
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, answer, "", "  "); err != nil {
		fmt.Println(string(answer))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func adminCall(method string) (_ []byte, err error) {
	body := []byte(`{"method": "` + method + `", "params": []}`)
	resp, err := http.Post("http://"+adminCfg.AdminAddress+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, errs.New("node does not appear to be running: %+v", err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return answer, nil
}

func main() {
	logger, _, _ := process.NewLogger("lighthouse")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
