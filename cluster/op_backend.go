package cluster

import "time"

// OperationBackend is everything an Operation needs to do to a Node
// over its SQL connection. SQLBackend (sqlbackend.go) implements it on
// top of utils/dbhelper; tests supply a fake. Splitting this out keeps the failover/switchover/
// rejoin/reset state machines pure control flow, matching spec §9's
// design note that operations are "explicit state machines" rather
// than code entangled with a particular driver.
type OperationBackend interface {
	StopReplica(n *Node, connectionName string) error
	ResetReplica(n *Node, connectionName string) error
	StartReplica(n *Node, connectionName string, upstream Endpoint, useGTID bool, repl ReplicationCredentials) error
	SetReadOnly(n *Node, readOnly bool) error
	EnableEvents(n *Node) error
	DisableEvents(n *Node) error
	RunSQLFile(n *Node, path string) error
	FlushTablesWithReadLock(n *Node) error
	UnlockTables(n *Node) error
	KillNonReplicationConnections(n *Node) (killed int, err error)
	FlushLogs(n *Node) error
	ReadGtidBinlogPos(n *Node) (*GtidList, error)
	ReadGtidCurrentPos(n *Node) (*GtidList, error)
	ReadReplicaIOError(n *Node, connectionName string) (string, error)
	SetSlaveGtidPos(n *Node, value string) error
	ResetMaster(n *Node) error
}

// ReplicationCredentials carries the replication_user/password/ssl/
// custom-options config wired into the CHANGE MASTER statement the
// engine emits (spec §6.2).
type ReplicationCredentials struct {
	User          string
	Password      string
	UseSSL        bool
	CustomOptions string
}

// sleepFunc is overridable in tests so wait-for-catchup/stabilization
// loops don't actually sleep wall-clock time.
type sleepFunc func(time.Duration)
