// replication-manager - Replication Manager Monitoring and CLI for MariaDB and MySQL
// Copyright 2017-2021 SIGNAL18 CLOUD SAS
// Authors: Guillaume Lefranc <guillaume@signal18.io>
//
//	Stephane Varoqui  <svaroqui@gmail.com>
//
// This source code is licensed under the GNU General Public License, version 3.
// Redistribution/Reuse of this code is permitted under the GNU v3 license, as
// an additional term, ALL code must carry the original Author(s) credit in comment form.
// See LICENSE in this directory for the integral text.

// Package config binds the monitor's command-line flags and environment
// into a Config struct, grounded on server/server.go's viper+pflag
// convention: pflag defines the flags, viper binds them (no config file
// is read), and Config is read once after Load and
// treated as immutable thereafter (spec.md §9 design note "Global
// state: ... configuration is an immutable struct after post_configure").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LockQuorumMode mirrors cluster.LockQuorumMode's string encoding in
// config so the config package need not import cluster.
type LockQuorumMode string

const (
	LockQuorumNone             LockQuorumMode = "none"
	LockQuorumMajorityOfRunning LockQuorumMode = "majority_of_running"
	LockQuorumMajorityOfAll     LockQuorumMode = "majority_of_all"
)

// Config is every option of spec.md §6.2, plus the monitor-loop timing
// options the teacher's own Config always carries alongside them.
type Config struct {
	ClusterName string
	Interval    time.Duration

	AssumeUniqueHostnames bool
	FailCount             int

	AutoFailover              bool
	AutoRejoin                bool
	SwitchoverOnLowDiskSpace  bool
	EnforceReadOnlySlaves     bool
	EnforceWritableMaster     bool
	MaintenanceOnLowDiskSpace bool
	EnforceSimpleTopology     bool

	FailoverTimeout   time.Duration
	SwitchoverTimeout time.Duration

	VerifyMasterFailure  bool
	MasterFailureTimeout time.Duration

	CooperativeMonitoringLocks LockQuorumMode

	MasterConditions uint32
	SlaveConditions  uint32

	ServersNoPromotion []string

	PromotionSQLFile string
	DemotionSQLFile  string

	HandleEvents bool

	ReplicationUser          string
	ReplicationPassword      string
	ReplicationMasterSSL     bool
	ReplicationCustomOptions string

	ScriptMaxReplicationLag int64

	JournalPath string
	LogLevel    string
	LogSyslog   bool

	// Servers is the static node topology, "name:host:port" per entry
	// (an optional fourth ":privatehost" segment sets the replication-
	// traffic endpoint). Parsed into cluster.Node by the cmd entrypoint.
	Servers []string

	// API surface (§6.1 command vocabulary transport).
	APIBind     string
	APIPort     string
	APIUser     string
	APIPassword string
}

// BindFlags declares every option above on fs, the way server/server.go
// declares its flags with pflag before calling viper.BindPFlags.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("cluster-name", "", "Name of the monitored cluster")
	fs.Duration("monitoring-ticker", 2*time.Second, "Interval between monitor ticks")

	fs.Bool("assume-unique-hostnames", true, "Resolve replica upstreams by endpoint instead of server-id")
	fs.Int("failcount", 5, "Consecutive-down ticks before failover")

	fs.Bool("autorejoin", true, "Automatically rejoin a recovered server")
	fs.Bool("failover-mode", false, "Enable automatic failover")
	fs.Bool("switchover-at-low-disk-space", true, "Automatically switchover when a server reports low disk space")
	fs.Bool("readonly", true, "Enforce read_only on replicas")
	fs.Bool("enforce-writable-master", false, "Allow a read_only primary to stay valid and be flagged Master")
	fs.Bool("maintenance-on-low-disk-space", true, "Flag a server under disk pressure as maintenance rather than down")
	fs.Bool("replication-simple-topology", false, "Master-switch forcing auto_failover/auto_rejoin/switchover_on_low_disk_space on")

	fs.Duration("switchover-wait-kill", 30*time.Second, "Switchover time budget")
	fs.Duration("failover-wait-kill", 10*time.Second, "Failover time budget")

	fs.Bool("failover-falsepositive-heartbeat", true, "Suppress failover on single-heartbeat-miss false positives")
	fs.Duration("failover-falsepositive-heartbeat-timeout", 5*time.Second, "Heartbeat grace window before failover proceeds")

	fs.String("arbitration-peer-hosts", string(LockQuorumMajorityOfAll), "cooperative_monitoring_locks quorum mode: none, majority_of_running, majority_of_all")

	fs.Uint32("master-conditions", 0, "Bitmask of required master conditions")
	fs.Uint32("slave-conditions", 0, "Bitmask of required slave conditions")

	fs.StringSlice("servers-no-promotion", nil, "Servers excluded from primary promotion")

	fs.String("rejoin-script", "", "Promotion SQL file run after promoting a new primary")
	fs.String("demotion-script", "", "Demotion SQL file run before demoting the old primary")

	fs.Bool("events-scheduler", true, "Manage the event scheduler status on promotion/demotion")

	fs.String("replication-credential", "", "user:password for replica CHANGE MASTER statements")
	fs.Bool("replication-use-ssl", false, "Use SSL for replication connections")
	fs.String("replication-master-connection", "", "Extra CHANGE MASTER TO options")

	fs.Int64("print-delay-statement-sec", 0, "script_max_replication_lag threshold, in seconds")

	fs.String("working-dir", "./.replication-manager", "Base directory for the monitor journal")
	fs.String("log-level", "info", "logrus level: debug, info, warning, error")
	fs.Bool("log-syslog", false, "Send log output to the local syslog daemon over UDP")

	fs.StringSlice("servers", nil, "Monitored topology, name:host:port[:privatehost] per entry")

	fs.String("api-bind", "0.0.0.0", "HTTP API bind address")
	fs.String("api-port", "10001", "HTTP API port")
	fs.String("api-user", "admin", "HTTP API login user")
	fs.String("api-password", "", "HTTP API login password")
}

// Load binds fs and the environment into viper and decodes into a
// Config; it reads no config file. It is the single place defaults,
// flags and environment are reconciled, mirroring server/server.go's
// InitConfig layering.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.AutomaticEnv()

	c := Config{
		ClusterName:                v.GetString("cluster-name"),
		Interval:                   v.GetDuration("monitoring-ticker"),
		AssumeUniqueHostnames:      v.GetBool("assume-unique-hostnames"),
		FailCount:                  v.GetInt("failcount"),
		AutoFailover:               v.GetBool("failover-mode"),
		AutoRejoin:                 v.GetBool("autorejoin"),
		SwitchoverOnLowDiskSpace:   v.GetBool("switchover-at-low-disk-space"),
		EnforceReadOnlySlaves:      v.GetBool("readonly"),
		EnforceWritableMaster:      v.GetBool("enforce-writable-master"),
		MaintenanceOnLowDiskSpace:  v.GetBool("maintenance-on-low-disk-space"),
		EnforceSimpleTopology:      v.GetBool("replication-simple-topology"),
		FailoverTimeout:            v.GetDuration("failover-wait-kill"),
		SwitchoverTimeout:          v.GetDuration("switchover-wait-kill"),
		VerifyMasterFailure:        v.GetBool("failover-falsepositive-heartbeat"),
		MasterFailureTimeout:       v.GetDuration("failover-falsepositive-heartbeat-timeout"),
		CooperativeMonitoringLocks: LockQuorumMode(v.GetString("arbitration-peer-hosts")),
		MasterConditions:           uint32(v.GetUint("master-conditions")),
		SlaveConditions:            uint32(v.GetUint("slave-conditions")),
		ServersNoPromotion:         v.GetStringSlice("servers-no-promotion"),
		PromotionSQLFile:           v.GetString("rejoin-script"),
		DemotionSQLFile:            v.GetString("demotion-script"),
		HandleEvents:               v.GetBool("events-scheduler"),
		ReplicationMasterSSL:       v.GetBool("replication-use-ssl"),
		ReplicationCustomOptions:   v.GetString("replication-master-connection"),
		ScriptMaxReplicationLag:    v.GetInt64("print-delay-statement-sec"),
		JournalPath:                v.GetString("working-dir"),
		LogLevel:                   v.GetString("log-level"),
		LogSyslog:                  v.GetBool("log-syslog"),
		Servers:                    v.GetStringSlice("servers"),
		APIBind:                    v.GetString("api-bind"),
		APIPort:                    v.GetString("api-port"),
		APIUser:                    v.GetString("api-user"),
		APIPassword:                v.GetString("api-password"),
	}
	if c.EnforceSimpleTopology {
		c.AutoFailover = true
		c.AutoRejoin = true
		c.SwitchoverOnLowDiskSpace = true
	}
	user, pass := splitCredential(v.GetString("replication-credential"))
	c.ReplicationUser = user
	c.ReplicationPassword = pass
	return c, nil
}

func splitCredential(s string) (user, password string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// ServerSpec is one parsed entry of the Servers flag: a static node
// identity plus its network endpoint. Kept in config (not cluster) so
// parsing the topology doesn't require importing the monitor core.
type ServerSpec struct {
	Name        string
	Host        string
	Port        string
	PrivateHost string
}

// ParseServers decodes "name:host:port[:privatehost]" entries, the
// same colon-separated shorthand the teacher's server/server.go config
// uses for its own --servers flag.
func ParseServers(entries []string) ([]ServerSpec, error) {
	specs := make([]ServerSpec, 0, len(entries))
	for _, e := range entries {
		parts := strings.Split(e, ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("malformed server entry %q, want name:host:port[:privatehost]", e)
		}
		spec := ServerSpec{Name: parts[0], Host: parts[1], Port: parts[2]}
		if len(parts) > 3 {
			spec.PrivateHost = parts[3]
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
