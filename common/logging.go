// Package common provides the shared logging infrastructure for the HIVE
// ingestion coordinator. It implements output routing that directs error-level
// messages to stderr while sending other log levels to stdout, enabling proper
// stream separation for containerized and scripted environments.
//
// The logging system is built on logrus for structured logging. Every
// coordinator component logs through entries carrying `component`, `run_id`
// and `worker_id` fields so that a multi-worker fleet writing to a shared log
// aggregator stays attributable.
//
// Output Routing Strategy:
//
//	Error and fatal messages are directed to stderr (for immediate attention
//	and alerting) while info, debug, and warning messages go to stdout (for
//	general log processing). Container orchestrators can capture the two
//	streams independently.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity level. It examines the rendered output for logrus level
// markers, so it works with both the text and JSON formatters.
//
// Routing Logic:
//   - Messages containing "level=error" or "level=fatal" → stderr
//   - All other messages (info, debug, warn) → stdout
//
// The check is plain byte matching, no parsing, so the splitter is safe for
// high-frequency logging and for concurrent use: it only reads the input and
// writes to the thread-safe OS streams.
type OutputSplitter struct{}

// Write implements io.Writer, selecting the output stream per message.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the HIVE coordinator. It is
// pre-configured with the OutputSplitter and serves as the default parent for
// the per-component entries derived from it.
//
// Applications can customize it after import:
//
//	common.Logger.SetFormatter(&logrus.JSONFormatter{})
//	common.Logger.SetLevel(logrus.DebugLevel)
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies level and format settings to an existing logger.
// Used by the CLI to reconfigure the global Logger from loaded configuration.
// An unparseable level is ignored and the logger keeps its current level.
func ConfigureLogger(logger *logrus.Logger, level, format string) {
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
}
