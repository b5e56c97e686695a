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
package cluster

// clusterError is the catalogued diagnostic vocabulary: addError and
// LogCode both format through fmt.Sprintf(clusterError[code], args...)
// the way the teacher's cluster.sme.AddState(code, state.State{ErrDesc:
// fmt.Sprintf(clusterError[code], ...)}) does (prx.go:471). Kept to the
// codes this repo's operation state machines and tick loop actually
// raise; the teacher's ProxySQL/MaxScale/Sphinx/Restic/OpenSVC/Vault/
// sharding entries describe non-goal subsystems this repo doesn't have.
var clusterError = map[string]string{
	"ERR02004": "Operation %s cancelled in phase %s",
	"ERR02005": "Operation %s timed out in phase %s",
	"ERR02006": "Operation %s mid-step failure in phase %s: %s",
	"ERR02010": "Operation %s target %s not eligible",
	"ERR02011": "Candidate %s relay log not clear, refusing in safe mode",
	"ERR02012": "Operation %s stabilization incomplete, some replicas lagging",
	"ERR02013": "Rejoin skipped %s: not eligible",
	"ERR02014": "Rejoin skipped %s: ahead of primary on shared domain, would lose transactions",
	"ERR02015": "Rejoin %s: start replica failed: %s",
	"ERR02016": "Reset-replication requires a target primary",
	"ERR02017": "Reset: set %s read_only on failed: %s",
	"ERR02018": "Reset: reset master on %s failed: %s",
	"ERR02019": "Reset: set gtid_slave_pos on %s failed: %s",
	"ERR02020": "Reset: promote %s failed: %s",
	"ERR02021": "Reset: redirect %s failed: %s",
	"WARN0201": "Replication lag above threshold on %s: %ds",
	"WARN0202": "Replication lag back below threshold on %s: %ds",
}
