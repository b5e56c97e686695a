package cluster

import (
	log "github.com/sirupsen/logrus"
)

// Log level tags for LogPrintf, matching the teacher's convention
// (cluster/prx.go calls cluster.LogPrintf(LvlInfo, ...), LvlErr, ...).
const (
	LvlInfo = "INFO"
	LvlWarn = "WARN"
	LvlErr  = "ERROR"
	LvlDbg  = "DEBUG"
)

// LogPrintf routes a cluster-tagged message through logrus, the same
// library server/server.go configures (including its optional syslog
// hook). The cluster name is attached as a structured field so multi-
// cluster deployments can filter by it downstream.
func (c *Cluster) LogPrintf(level string, format string, args ...interface{}) {
	entry := log.WithField("cluster", c.Name)
	msg := sprintfSafe(format, args...)
	switch level {
	case LvlErr:
		entry.Error(msg)
	case LvlWarn:
		entry.Warning(msg)
	case LvlDbg:
		entry.Debug(msg)
	default:
		entry.Info(msg)
	}
}

// LogCode logs a catalogued diagnostic: level plus a clusterError
// code, formatted through fmt.Sprintf(clusterError[code], args...)
// the same way addError formats operation errors.
func (c *Cluster) LogCode(level, code string, args ...interface{}) {
	c.LogPrintf(level, "%s: %s", code, sprintfSafe(clusterError[code], args...))
}
