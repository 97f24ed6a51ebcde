// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
	"github.com/lightbitslabs/ahci-virtio/pkg/logging"
	"github.com/lightbitslabs/ahci-virtio/pkg/model"
	"github.com/lightbitslabs/ahci-virtio/service"
)

func newServeCmd() *cobra.Command {

	var cmd = &cobra.Command{
		Use:               "serve",
		Short:             "Start the AHCI virtio-block driver",
		Long:              ``,
		DisableAutoGenTag: true,
		RunE:              serveCmdFunc,
	}

	// configure logging
	cmd.Flags().String("logging.filename", "", "filename to write log to")
	viper.BindPFlag("logging.filename", cmd.Flags().Lookup("logging.filename"))
	cmd.MarkFlagFilename("logging.filename", "log")

	cmd.Flags().Duration("logging.maxage", 96*time.Hour, "Time to wait until old logs are purged")
	viper.BindPFlag("logging.maxage", cmd.Flags().Lookup("logging.maxage"))

	cmd.Flags().Int("logging.maxSize", 100, "Maximum size in megabytes of the log file before it gets rotated.")
	viper.BindPFlag("logging.maxSize", cmd.Flags().Lookup("logging.maxSize"))

	cmd.Flags().Bool("logging.reportcaller", false, "Report func name and line number on log entry")
	viper.BindPFlag("logging.reportcaller", cmd.Flags().Lookup("logging.reportcaller"))

	cmd.Flags().String("logging.level", "info", "Log level we support")
	viper.BindPFlag("logging.level", cmd.Flags().Lookup("logging.level"))

	cmd.Flags().BoolP("verbose", "v", false, "Raise the log level to debug")
	cmd.Flags().BoolP("quiet", "q", false, "Silence everything below error level")

	cmd.Flags().BoolP("allow-32bit", "A", false,
		"Allow driving controllers without 64-bit addressing on a 64-bit host")
	viper.BindPFlag("allowAddressWidthMismatch", cmd.Flags().Lookup("allow-32bit"))

	cmd.Flags().String("debug.endpoint", "0.0.0.0:6060", "ip:port to expose debug and metric information")
	viper.BindPFlag("debug.endpoint", cmd.Flags().Lookup("debug.endpoint"))

	cmd.Flags().Bool("debug.enablepprof", false, "Enable runtime profiling data via HTTP server.")
	viper.BindPFlag("debug.enablepprof", cmd.Flags().Lookup("debug.enablepprof"))

	cmd.Flags().Bool("debug.metrics", true, "Expose prometheus metrics on http://<endpoint>/metrics")
	viper.BindPFlag("debug.metrics", cmd.Flags().Lookup("debug.metrics"))

	cmd.Flags().StringArray("static", nil,
		"Pre-bound client in the form cap,disk_id,num_ds; may be given multiple times")
	viper.BindPFlag("staticClients", cmd.Flags().Lookup("static"))

	return cmd
}

func serveCmdFunc(cmd *cobra.Command, args []string) error {
	appConfig, err := model.LoadFromViper()
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetBool("verbose"); v {
		appConfig.Logging.Level = "debug"
	}
	if q, _ := cmd.Flags().GetBool("quiet"); q {
		appConfig.Logging.Level = "error"
	}

	if err := logging.SetupLogging(appConfig.Logging); err != nil {
		return err
	}
	logrus.Infof("******************** %s started ********************", os.Args[0])

	// positional arguments pre-bind static clients, same as --static
	staticClients := append([]string{}, appConfig.StaticClients...)
	staticClients = append(staticClients, args...)

	queue := errand.New(logrus.WithField("component", "errand"))
	svc := service.New(queue, logrus.WithField("component", "service"))

	for _, entry := range staticClients {
		sc, err := model.ParseStaticClient(entry)
		if err != nil {
			logrus.Warnf("invalid client description ignored: %v", err)
			continue
		}
		logrus.Debugf("adding static client. cap: %s device: %s, numds: %d",
			sc.Gate, sc.DeviceID, sc.NumDS)
		svc.AddStaticClient(sc.Gate, sc.DeviceID, sc.NumDS)
	}

	if appConfig.Debug.Metrics || appConfig.Debug.EnablePprof {
		go serveDebugEndpoint(appConfig.Debug)
	}

	bus, err := hw.DiscoverBus()
	if err != nil {
		logrus.WithError(err).Errorf("no hardware access")
		return err
	}

	svc.StartDeviceDiscovery(bus, ahci.HbaOptions{
		CheckAddressWidth: !appConfig.AllowAddressWidthMismatch,
	})

	logrus.Debugf("beginning server loop")
	queue.Run(context.Background())
	return nil
}

func serveDebugEndpoint(cfg model.Debug) {
	mux := http.NewServeMux()
	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if err := http.ListenAndServe(cfg.Endpoint, mux); err != nil {
		logrus.WithError(err).Warnf("debug endpoint stopped")
	}
}
