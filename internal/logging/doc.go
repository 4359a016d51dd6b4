// Package logging is the key-value logger shared by every package of the
// node, backed by logrus.
//
// Loggers are built from the logging section of the node configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/raftnode/node.log",
//	})
//
// Output accepts "stdout", "stderr" or a file path. NewDefault logs at info
// level as text to stdout, NewNop discards everything and is what tests use.
//
// Messages carry alternating key-value pairs. WithFields and WithRequestID
// return child loggers that add fields to every line:
//
//	nodeLogger := logger.WithFields("node_id", id)
//	nodeLogger.Info("peer joined", "peer", 4, "addr", "10.0.0.4:7001")
//
// which the JSON format renders as
//
//	{"addr":"10.0.0.4:7001","level":"info","msg":"peer joined","node_id":1,"peer":4,"ts":"2026-02-18T10:30:00Z"}
//
// The etcd consensus core takes a logrus entry as its logger. Entry returns
// the one behind a Logger so both write to the same output with the same
// fields.
package logging
