package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/elum-utils/ssdp"
)

var (
	discoverIPv6 bool
	discoverOnly bool
	discoverWait time.Duration
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Search the local network for service instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := ssdp.GetInstance()
		defer endpoint.Release()

		endpoint.EnablePeriodicSearch(true)
		time.Sleep(discoverWait)

		ipVer := 4
		if discoverIPv6 {
			ipVer = 6
		}

		urls := endpoint.ServerURLs(ipVer, discoverOnly)
		if len(urls) == 0 {
			log.Warn("no services discovered")
			return nil
		}
		sort.Strings(urls)
		for _, url := range urls {
			fmt.Println(url)
		}
		return nil
	},
}

var (
	advertisePort   int
	advertiseUUID   string
	advertiseConfig string
)

var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "Advertise a local service instance until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig(advertiseConfig)
		if err != nil {
			return err
		}
		if advertisePort != 0 {
			cfg.Port = advertisePort
		}
		if advertiseUUID != "" {
			cfg.UUID = advertiseUUID
		}
		if cfg.Port == 0 {
			return fmt.Errorf("no service port configured; use --port")
		}
		if cfg.UUID == "" {
			cfg.UUID = ssdp.GenerateUUID()
			if err := saveConfig(path, cfg); err != nil {
				log.Warnf("could not persist generated uuid: %v", err)
			}
		}

		endpoint := ssdp.GetInstance()
		defer endpoint.Release()

		endpoint.RegisterService(cfg.UUID, strconv.Itoa(cfg.Port))
		endpoint.EnablePeriodicNotify(true)
		log.Infof("advertising uuid %s on port %d", cfg.UUID, cfg.Port)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		log.Info("shutting down")
		return nil
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverIPv6, "ipv6", false, "Prefer IPv6 discoveries")
	discoverCmd.Flags().BoolVar(&discoverOnly, "only", false, "Ignore the other IP version entirely")
	discoverCmd.Flags().DurationVar(&discoverWait, "wait", 5*time.Second, "How long to wait for responses")

	advertiseCmd.Flags().IntVar(&advertisePort, "port", 0, "Port the service is listening on")
	advertiseCmd.Flags().StringVar(&advertiseUUID, "uuid", "", "Unique identifier for the service (generated and saved when empty)")
	advertiseCmd.Flags().StringVar(&advertiseConfig, "config", "", "Path to the configuration file")
}
