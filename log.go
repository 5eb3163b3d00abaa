package tftpd

import (
	"github.com/sirupsen/logrus"
)

// defaultLogger is used by any Server constructed without an explicit
// logger, so the package never silently discards events.
var defaultLogger = logrus.StandardLogger()

// transferLogger returns a logger carrying the fields that tie every
// line for one transfer together in an otherwise-interleaved log
// stream: its correlation id, its peer TID, and the request filename.
func transferLogger(base logrus.FieldLogger, id, peer, filename string) logrus.FieldLogger {
	return base.WithFields(logrus.Fields{
		"transfer_id": id,
		"peer":        peer,
		"file":        filename,
	})
}
