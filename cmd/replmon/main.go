// replication-manager - Replication Manager Monitoring and CLI for MariaDB and MySQL
// Copyright 2017-2021 SIGNAL18 CLOUD SAS
// Author: Guillaume Lefranc <guillaume@signal18.io>
// License: GNU General Public License, version 3. Redistribution/Reuse of this code is permitted under the GNU v3 license, as an additional term ALL code must carry the original Author(s) credit in comment form.
// See LICENSE in this directory for the integral text.

// Command replmon is the monitor entrypoint: it binds flags and
// configuration (config.BindFlags/config.Load), builds the static node
// topology, and runs the Tick loop behind the §6.1 command API
// (server.Server.Run), grounded on the teacher's main() in
// server/server.go that calls InitConfig then repman.Run().
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/opsnexus/replmon/cluster"
	"github.com/opsnexus/replmon/config"
	"github.com/opsnexus/replmon/server"
)

func main() {
	fs := pflag.NewFlagSet("replmon", pflag.ExitOnError)
	config.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	conf, err := config.Load(viper.New(), fs)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	specs, err := config.ParseServers(conf.Servers)
	if err != nil {
		log.Fatalf("parse servers: %v", err)
	}
	if len(specs) == 0 {
		log.Fatal("no servers configured; pass --servers name:host:port[,...]")
	}

	nodes := make([]*cluster.Node, 0, len(specs))
	for i, spec := range specs {
		ep := cluster.Endpoint{Host: spec.Host, Port: spec.Port, PrivateHost: spec.PrivateHost}
		nodes = append(nodes, cluster.NewNode(spec.Name, i, ep))
	}

	c := cluster.NewCluster(conf.ClusterName, conf, nodes)
	srv := server.NewServer(c, conf)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
