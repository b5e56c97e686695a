package cluster

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opsnexus/replmon/utils/dbhelper"
)

// SQLBackend implements ProbeBackend, OperationBackend and LockBackend
// against real MariaDB/MySQL connections through utils/dbhelper,
// grounded on the *sqlx.DB connection type cluster/prx.go's
// DatabaseProxy interface already uses for GetCluster(). It keeps one
// pooled *sqlx.DB per Node, opened lazily and reused across ticks.
type SQLBackend struct {
	mu    sync.Mutex
	conns map[*Node]*sqlx.DB

	Credentials ReplicationCredentials
	LockPrefix  string
}

// NewSQLBackend builds a backend that authenticates with creds and
// names its advisory locks under prefix (so multiple monitors on a
// shared cluster namespace don't collide).
func NewSQLBackend(creds ReplicationCredentials, lockPrefix string) *SQLBackend {
	return &SQLBackend{conns: make(map[*Node]*sqlx.DB), Credentials: creds, LockPrefix: lockPrefix}
}

func (b *SQLBackend) dbFor(n *Node) (*sqlx.DB, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	db, ok := b.conns[n]
	return db, ok
}

func (b *SQLBackend) setDB(n *Node, db *sqlx.DB) {
	b.mu.Lock()
	b.conns[n] = db
	b.mu.Unlock()
}

// Close drops every pooled connection, used at shutdown.
func (b *SQLBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, db := range b.conns {
		db.Close()
	}
	b.conns = make(map[*Node]*sqlx.DB)
}

// Connect implements ProbeBackend.Connect: ping_or_connect.
func (b *SQLBackend) Connect(n *Node, timeout time.Duration) error {
	if db, ok := b.dbFor(n); ok {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := db.PingContext(ctx); err == nil {
			return nil
		}
		db.Close()
	}
	cc := dbhelper.ConnectionConfig{
		Host:     n.Endpoint.Host,
		Port:     n.Endpoint.Port,
		User:     b.Credentials.User,
		Password: b.Credentials.Password,
		Timeout:  timeout,
	}
	db, err := dbhelper.Connect(context.Background(), cc)
	if err != nil {
		return dbhelper.WrapConnectError(err)
	}
	b.setDB(n, db)
	return nil
}

func (b *SQLBackend) ReadVariables(n *Node) (uint64, bool, uint64, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return 0, false, 0, errNotConnected
	}
	vars, err := dbhelper.Variables(db)
	if err != nil {
		return 0, false, 0, err
	}
	return parseServerID(vars["server_id"]), vars["read_only"] == "ON" || vars["read_only"] == "1", parseServerID(vars["gtid_domain_id"]), nil
}

func (b *SQLBackend) ReadReplicaStatus(n *Node) ([]ReplicaConnection, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return nil, errNotConnected
	}
	rows, err := dbhelper.GetAllSlavesStatus(db)
	if err != nil {
		return nil, err
	}
	out := make([]ReplicaConnection, 0, len(rows))
	for _, r := range rows {
		gtidIO, _ := ParseGtidList(r.GtidIOPos)
		conn := ReplicaConnection{
			ConnectionName:   r.ConnectionName,
			UpstreamEndpoint: Endpoint{Host: r.MasterHost, Port: r.MasterPort},
			IO:               parseIOState(r.SlaveIORunning),
			SQL:              parseSQLState(r.SlaveSQLRunning),
			UpstreamServerID: r.MasterServerID,
			GtidIOPos:        gtidIO,
			LastIOError:      r.LastIOError,
		}
		if r.SecondsBehindValid {
			conn.SecondsBehind = r.SecondsBehind
			conn.HasSecondsBehind = true
		}
		out = append(out, conn)
	}
	return out, nil
}

func (b *SQLBackend) ReadGtids(n *Node) (*GtidList, *GtidList, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return nil, nil, errNotConnected
	}
	cur, binlog, err := dbhelper.GtidPositions(db)
	if err != nil {
		return nil, nil, err
	}
	curList, err := ParseGtidList(cur)
	if err != nil {
		return nil, nil, err
	}
	binlogList, err := ParseGtidList(binlog)
	if err != nil {
		return nil, nil, err
	}
	return curList, binlogList, nil
}

func (b *SQLBackend) ReadRplSettings(n *Node) (bool, bool, bool, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return false, false, false, errNotConnected
	}
	vars, err := dbhelper.Variables(db)
	if err != nil {
		return false, false, false, err
	}
	return vars["gtid_strict_mode"] == "ON", vars["log_bin"] == "ON", vars["log_slave_updates"] == "ON", nil
}

func (b *SQLBackend) ReadLocks(n *Node) (LockStatus, LockStatus, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return LockStatus{}, LockStatus{}, errNotConnected
	}
	serverOwner, masterOwner, selfConnID, err := dbhelper.LockOwners(db, b.lockName(n, LockServer), b.lockName(n, LockMaster))
	if err != nil {
		return LockStatus{}, LockStatus{}, err
	}
	return lockStatusFromOwner(serverOwner, selfConnID), lockStatusFromOwner(masterOwner, selfConnID), nil
}

// lockStatusFromOwner compares the lock's owner connection id against
// this round trip's own CONNECTION_ID(): with one persistent connection
// per Node (dbhelper.Connect pins MaxOpenConns to 1), a lock acquired by
// a prior GetLock on this same connection shows up here as self-owned
// rather than being downgraded to OwnedOther on every RefreshLockStatus.
func lockStatusFromOwner(owner sql.NullInt64, selfConnID int64) LockStatus {
	if !owner.Valid {
		return LockStatus{State: LockFree}
	}
	if owner.Int64 == selfConnID {
		return LockStatus{State: LockOwnedSelf, OwnerConnID: owner.Int64}
	}
	return LockStatus{State: LockOwnedOther, OwnerConnID: owner.Int64}
}

func (b *SQLBackend) Acquire(n *Node, kind LockKind) (bool, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return false, errNotConnected
	}
	return dbhelper.GetLock(db, b.lockName(n, kind))
}

func (b *SQLBackend) Release(n *Node, kind LockKind) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.ReleaseLock(db, b.lockName(n, kind))
}

func (b *SQLBackend) lockName(n *Node, kind LockKind) string {
	suffix := "server"
	if kind == LockMaster {
		suffix = "master"
	}
	return b.LockPrefix + "_" + n.ConfigName + "_" + suffix
}

func (b *SQLBackend) ReadEnabledEvents(n *Node) ([]string, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return nil, errNotConnected
	}
	return dbhelper.EnabledEvents(db)
}

func (b *SQLBackend) StopReplica(n *Node, connectionName string) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.StopSlave(db, connectionName)
}

func (b *SQLBackend) ResetReplica(n *Node, connectionName string) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.ResetSlave(db, connectionName)
}

func (b *SQLBackend) StartReplica(n *Node, connectionName string, upstream Endpoint, useGTID bool, repl ReplicationCredentials) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	if err := dbhelper.ChangeMaster(db, dbhelper.ChangeMasterParams{
		ConnectionName: connectionName,
		Host:           upstream.ReplicationHost(),
		Port:           upstream.Port,
		User:           repl.User,
		Password:       repl.Password,
		UseGTID:        useGTID,
		UseSSL:         repl.UseSSL,
		CustomOptions:  repl.CustomOptions,
	}); err != nil {
		return err
	}
	return dbhelper.StartSlave(db, connectionName)
}

func (b *SQLBackend) SetReadOnly(n *Node, readOnly bool) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.SetReadOnly(db, readOnly)
}

func (b *SQLBackend) EnableEvents(n *Node) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.SetEventScheduler(db, true)
}

func (b *SQLBackend) DisableEvents(n *Node) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.SetEventScheduler(db, false)
}

func (b *SQLBackend) RunSQLFile(n *Node, path string) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.RunSQLFile(db, path)
}

func (b *SQLBackend) FlushTablesWithReadLock(n *Node) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.FlushTablesWithReadLock(db)
}

func (b *SQLBackend) UnlockTables(n *Node) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.UnlockTables(db)
}

func (b *SQLBackend) KillNonReplicationConnections(n *Node) (int, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return 0, errNotConnected
	}
	return dbhelper.KillNonReplicationConnections(db)
}

func (b *SQLBackend) FlushLogs(n *Node) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.FlushLogs(db)
}

func (b *SQLBackend) ReadGtidBinlogPos(n *Node) (*GtidList, error) {
	_, binlog, err := b.ReadGtids(n)
	return binlog, err
}

func (b *SQLBackend) ReadGtidCurrentPos(n *Node) (*GtidList, error) {
	cur, _, err := b.ReadGtids(n)
	return cur, err
}

func (b *SQLBackend) ReadReplicaIOError(n *Node, connectionName string) (string, error) {
	db, ok := b.dbFor(n)
	if !ok {
		return "", errNotConnected
	}
	return dbhelper.ReplicaIOError(db, connectionName)
}

func (b *SQLBackend) SetSlaveGtidPos(n *Node, value string) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.SetGtidSlavePos(db, value)
}

func (b *SQLBackend) ResetMaster(n *Node) error {
	db, ok := b.dbFor(n)
	if !ok {
		return errNotConnected
	}
	return dbhelper.ResetMaster(db)
}

func parseServerID(s string) uint64 {
	var v uint64
	if s == "" {
		return 0
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return v
		}
		v = v*10 + uint64(r-'0')
	}
	return v
}

func parseIOState(s string) IOState {
	switch s {
	case "Yes":
		return IOYes
	case "Connecting":
		return IOConnecting
	default:
		return IONo
	}
}

func parseSQLState(s string) SQLState {
	if s == "Yes" {
		return SQLYes
	}
	return SQLNo
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (e *notConnectedError) Error() string { return "no pooled connection for node; Connect was not called" }
