/*
 *
 * Copyright 2025 the librpc authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// rpcnodectl drives the bus from the command line: publish messages,
// subscribe and print, or run a one-shot orphan sweep.
//
//	rpcnodectl sub -group sensor -topics temp,humidity
//	rpcnodectl pub -group sensor -topic temp -msg 25.5C -count 100
//	rpcnodectl sweep
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	librpc "github.com/hujiansuntec-arch/Linux-RPC-Node"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/config"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/logging"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/shm"
	"github.com/hujiansuntec-arch/Linux-RPC-Node/internal/sweeper"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "pub":
		runPub(args)
	case "sub":
		runSub(args)
	case "sweep":
		runSweep(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: rpcnodectl <pub|sub|sweep> [flags]")
}

func loadConfig(path string) config.Config {
	if path == "" {
		return config.FromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
	}
	return cfg
}

func newNode(id string, cfg config.Config) *librpc.Node {
	bus := librpc.NewBus(cfg, log.Logger)
	node, err := bus.NewNode(id)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create node")
	}
	return node
}

func runPub(args []string) {
	fs := flag.NewFlagSet("pub", flag.ExitOnError)
	id := fs.String("id", "", "node id (generated when empty)")
	group := fs.String("group", "", "message group")
	topic := fs.String("topic", "", "topic within the group")
	msg := fs.String("msg", "", "payload to publish")
	count := fs.Int("count", 1, "number of publishes")
	interval := fs.Duration("interval", 0, "delay between publishes")
	cfgPath := fs.String("config", "", "TOML config path")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	logging.New("rpcnodectl", cfg.LogLevel)
	node := newNode(*id, cfg)
	defer node.Close()

	// Give service registrations from running subscribers a moment to
	// arrive before the first publish.
	time.Sleep(200 * time.Millisecond)

	sent := 0
	for i := 0; i < *count; i++ {
		if err := node.Publish(*group, *topic, []byte(*msg)); err != nil {
			log.Warn().Err(err).Int("i", i).Msg("publish failed")
		} else {
			sent++
		}
		if *interval > 0 {
			time.Sleep(*interval)
		}
	}
	log.Info().Int("sent", sent).Int("requested", *count).Msg("publish done")
	printStats(node)
}

func runSub(args []string) {
	fs := flag.NewFlagSet("sub", flag.ExitOnError)
	id := fs.String("id", "", "node id (generated when empty)")
	group := fs.String("group", "", "message group")
	topics := fs.String("topics", "", "comma-separated topic list")
	cfgPath := fs.String("config", "", "TOML config path")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	logging.New("rpcnodectl", cfg.LogLevel)
	node := newNode(*id, cfg)
	defer node.Close()

	topicList := strings.Split(*topics, ",")
	err := node.Subscribe(*group, topicList, func(group, topic string, payload []byte) {
		log.Info().Str("group", group).Str("topic", topic).
			Int("bytes", len(payload)).Str("payload", string(payload)).Msg("received")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe failed")
	}
	log.Info().Str("group", *group).Str("topics", *topics).Msg("subscribed, waiting")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	printStats(node)
}

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	cfgPath := fs.String("config", "", "TOML config path")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	logging.New("rpcnodectl", cfg.LogLevel)

	dir, err := shm.OpenDirectory()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open node directory")
	}
	defer dir.Release()

	sw := sweeper.New(cfg.SweepPeriod(), cfg.NodeTimeoutPeriod(), dir, log.Logger)
	n := sw.SweepOnce()
	log.Info().Int("evicted", n).Msg("sweep complete")
}

func printStats(node *librpc.Node) {
	if buf, err := node.StatsJSON(); err == nil {
		fmt.Println(string(buf))
	}
}
