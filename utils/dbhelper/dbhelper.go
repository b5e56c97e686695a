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

// Package dbhelper holds the raw SQL against a live MariaDB/MySQL
// server: connection building, SHOW [ALL] SLAVE STATUS parsing, GTID
// variable reads, advisory locks, and the statements cluster-level
// operations issue. It knows nothing about Node/Graph/Operation; the
// cluster package's SQLBackend adapts these primitive returns into its
// own types, the same separation the teacher draws between
// utils/dbhelper and cluster.
package dbhelper

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// ConnectionConfig is the subset of connection parameters NodeProbe and
// the operation backends need to dial a server.
type ConnectionConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Timeout  time.Duration
}

// DSN builds a go-sql-driver/mysql DSN with a bounded dial/read/write
// timeout, matching the teacher's connection-building convention of
// going through mysql.Config rather than hand-formatting DSN strings.
func (c ConnectionConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%s", c.Host, c.Port)
	cfg.Timeout = c.Timeout
	cfg.ReadTimeout = c.Timeout
	cfg.WriteTimeout = c.Timeout
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	return cfg.FormatDSN()
}

// Connect opens and pings a connection, per spec's ping_or_connect.
func Connect(ctx context.Context, cc ConnectionConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", cc.DSN())
	if err != nil {
		return nil, err
	}
	// GET_LOCK/IS_USED_LOCK are scoped to the session that acquired them:
	// a pool willing to hand out a second connection would let one
	// goroutine hold the advisory lock on a connection the lock-status
	// probe never sees again, and ConnMaxLifetime recycling would drop
	// the lock out from under us mid-majority. One connection, kept
	// alive indefinitely, so CONNECTION_ID() stays stable across a
	// node's whole monitored lifetime.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	ctx, cancel := context.WithTimeout(ctx, cc.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// MysqlAccessDeniedError wraps a *mysql.MySQLError carrying the
// ER_ACCESS_DENIED_ERROR code so callers can distinguish an
// authorization failure from a plain connectivity failure, per spec
// §4.1's "auth-error" vs "down" distinction.
type MysqlAccessDeniedError struct{ Err error }

func (e *MysqlAccessDeniedError) Error() string      { return e.Err.Error() }
func (e *MysqlAccessDeniedError) Unwrap() error       { return e.Err }
func (e *MysqlAccessDeniedError) AccessDenied() bool { return true }

const erAccessDeniedError = 1045

// WrapConnectError tags an access-denied MySQL error so ProbeBackend
// callers can test it with an `AccessDenied() bool` assertion.
func WrapConnectError(err error) error {
	if err == nil {
		return nil
	}
	if me, ok := err.(*mysql.MySQLError); ok && me.Number == erAccessDeniedError {
		return &MysqlAccessDeniedError{Err: me}
	}
	return err
}

// Variables reads the handful of global variables NodeProbe's
// read_variables step needs.
func Variables(db *sqlx.DB) (map[string]string, error) {
	rows, err := db.Query("SHOW GLOBAL VARIABLES WHERE Variable_name IN ('server_id','read_only','gtid_domain_id','gtid_strict_mode','log_bin','log_slave_updates')")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// SlaveStatusRow is one row of SHOW ALL SLAVES STATUS (preferred) or
// SHOW SLAVE STATUS (fallback, single row, Connection_name == "").
type SlaveStatusRow struct {
	ConnectionName     string
	MasterHost         string
	MasterPort         string
	SlaveIORunning     string
	SlaveSQLRunning    string
	MasterServerID     uint64
	LastIOError        string
	SecondsBehindValid bool
	SecondsBehind      int64
	GtidIOPos          string
}

// GetAllSlavesStatus runs SHOW ALL SLAVES STATUS and falls back to
// SHOW SLAVE STATUS on servers that lack the multi-row form (MySQL,
// or MariaDB below 10.2), per spec §4.1.
func GetAllSlavesStatus(db *sqlx.DB) ([]SlaveStatusRow, error) {
	rows, err := queryStatusRows(db, "SHOW ALL SLAVES STATUS")
	if err == nil {
		return rows, nil
	}
	return queryStatusRows(db, "SHOW SLAVE STATUS")
}

func queryStatusRows(db *sqlx.DB, stmt string) ([]SlaveStatusRow, error) {
	rows, err := db.Queryx(stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlaveStatusRow
	for rows.Next() {
		m, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		byName := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			byName[c] = m[i]
		}
		out = append(out, rowFromColumns(byName))
	}
	return out, rows.Err()
}

func rowFromColumns(c map[string]interface{}) SlaveStatusRow {
	get := func(k string) string {
		v, ok := c[k]
		if !ok || v == nil {
			return ""
		}
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
	row := SlaveStatusRow{
		ConnectionName:  get("Connection_name"),
		MasterHost:      get("Master_Host"),
		MasterPort:      get("Master_Port"),
		SlaveIORunning:  get("Slave_IO_Running"),
		SlaveSQLRunning: get("Slave_SQL_Running"),
		LastIOError:     get("Last_IO_Error"),
		GtidIOPos:       get("Gtid_IO_Pos"),
	}
	fmt.Sscanf(get("Master_Server_Id"), "%d", &row.MasterServerID)
	if sb := get("Seconds_Behind_Master"); sb != "" {
		var v int64
		if _, err := fmt.Sscanf(sb, "%d", &v); err == nil {
			row.SecondsBehind = v
			row.SecondsBehindValid = true
		}
	}
	return row
}

// GtidPositions reads gtid_current_pos and gtid_binlog_pos.
func GtidPositions(db *sqlx.DB) (current, binlog string, err error) {
	row := db.QueryRow("SELECT @@gtid_current_pos, @@gtid_binlog_pos")
	err = row.Scan(&current, &binlog)
	return
}

// LockOwners runs the single statement spec §4.1 calls for: it reads
// the owner connection id of both advisory locks, plus this session's
// own CONNECTION_ID(), in one round trip, so the caller can tell a lock
// it holds itself apart from one held by a peer monitor.
func LockOwners(db *sqlx.DB, serverLockName, masterLockName string) (serverOwner, masterOwner sql.NullInt64, selfConnID int64, err error) {
	row := db.QueryRow("SELECT CONNECTION_ID(), IS_USED_LOCK(?), IS_USED_LOCK(?)", serverLockName, masterLockName)
	err = row.Scan(&selfConnID, &serverOwner, &masterOwner)
	return
}

// GetLock runs GET_LOCK(name, 0): a non-blocking acquire attempt.
func GetLock(db *sqlx.DB, name string) (bool, error) {
	var acquired sql.NullInt64
	if err := db.QueryRow("SELECT GET_LOCK(?, 0)", name).Scan(&acquired); err != nil {
		return false, err
	}
	return acquired.Valid && acquired.Int64 == 1, nil
}

// ReleaseLock runs RELEASE_LOCK(name).
func ReleaseLock(db *sqlx.DB, name string) error {
	_, err := db.Exec("SELECT RELEASE_LOCK(?)", name)
	return err
}

// EnabledEvents lists events whose STATUS is ENABLED in information_schema.
func EnabledEvents(db *sqlx.DB) ([]string, error) {
	rows, err := db.Query("SELECT EVENT_NAME FROM information_schema.EVENTS WHERE STATUS = 'ENABLED'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// StopSlave, StartSlave, ChangeMaster and friends issue the
// CHANGE MASTER TO / [STOP|START] SLAVE statements the operation
// backends need. MariaDB's named-connection syntax
// ('master_connection_name') is used by STOP/RESET/START SLAVE whenever
// connectionName != ""; ChangeMaster always names the connection, and
// '' is the default connection.

func StopSlave(db *sqlx.DB, connectionName string) error {
	return execNamed(db, "STOP SLAVE", connectionName)
}

func ResetSlave(db *sqlx.DB, connectionName string) error {
	return execNamed(db, "RESET SLAVE", connectionName)
}

func StartSlave(db *sqlx.DB, connectionName string) error {
	return execNamed(db, "START SLAVE", connectionName)
}

func execNamed(db *sqlx.DB, stmt, connectionName string) error {
	if connectionName != "" {
		stmt += fmt.Sprintf(" '%s'", connectionName)
	}
	_, err := db.Exec(stmt)
	return err
}

// ChangeMasterParams is the full CHANGE MASTER TO parameter set.
type ChangeMasterParams struct {
	ConnectionName string
	Host           string
	Port           string
	User           string
	Password       string
	UseGTID        bool
	UseSSL         bool
	CustomOptions  string
}

func ChangeMaster(db *sqlx.DB, p ChangeMasterParams) error {
	stmt := fmt.Sprintf("CHANGE MASTER '%s' TO MASTER_HOST='%s', MASTER_PORT=%s, MASTER_USER='%s', MASTER_PASSWORD='%s'",
		p.ConnectionName, p.Host, p.Port, p.User, p.Password)
	if p.UseGTID {
		stmt += ", MASTER_USE_GTID=slave_pos"
	}
	if p.UseSSL {
		stmt += ", MASTER_SSL=1"
	}
	if p.CustomOptions != "" {
		stmt += ", " + p.CustomOptions
	}
	_, err := db.Exec(stmt)
	return err
}

func SetReadOnly(db *sqlx.DB, readOnly bool) error {
	val := "0"
	if readOnly {
		val = "1"
	}
	_, err := db.Exec("SET GLOBAL read_only = " + val)
	return err
}

func FlushTablesWithReadLock(db *sqlx.DB) error {
	_, err := db.Exec("FLUSH TABLES WITH READ LOCK")
	return err
}

func UnlockTables(db *sqlx.DB) error {
	_, err := db.Exec("UNLOCK TABLES")
	return err
}

func FlushLogs(db *sqlx.DB) error {
	_, err := db.Exec("FLUSH LOGS")
	return err
}

func ResetMaster(db *sqlx.DB) error {
	_, err := db.Exec("RESET MASTER")
	return err
}

func SetGtidSlavePos(db *sqlx.DB, value string) error {
	_, err := db.Exec("SET GLOBAL gtid_slave_pos = ?", value)
	return err
}

func SetEventScheduler(db *sqlx.DB, enabled bool) error {
	val := "OFF"
	if enabled {
		val = "ON"
	}
	_, err := db.Exec("SET GLOBAL event_scheduler = " + val)
	return err
}

func RunSQLFile(db *sqlx.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = db.Exec(string(data))
	return err
}

// KillNonReplicationConnections kills every non-sleeping processlist
// entry except this session and the 'system user' and 'repl' accounts
// (the replication connections), used by switchover's demote phase to stop application writes
// promptly once read_only is set.
func KillNonReplicationConnections(db *sqlx.DB) (int, error) {
	rows, err := db.Query("SELECT Id, Command, User FROM information_schema.PROCESSLIST WHERE User NOT IN ('system user', 'repl') AND Command != 'Sleep' AND Id != CONNECTION_ID()")
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		var command, user string
		if err := rows.Scan(&id, &command, &user); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	killed := 0
	for _, id := range ids {
		if _, err := db.Exec(fmt.Sprintf("KILL %d", id)); err == nil {
			killed++
		}
	}
	return killed, nil
}

func ReplicaIOError(db *sqlx.DB, connectionName string) (string, error) {
	rows, err := GetAllSlavesStatus(db)
	if err != nil {
		return "", err
	}
	for _, r := range rows {
		if r.ConnectionName == connectionName {
			return r.LastIOError, nil
		}
	}
	return "", nil
}
