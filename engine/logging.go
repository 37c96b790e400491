package engine

import "github.com/sirupsen/logrus"

// logConnect logs a CONNECT dispatch at debug level, mirroring the density
// of the teacher's opts.Logger.Debug call sites (SPEC_FULL section 10).
func (e *Engine) logConnect(cs *clientState, serverURI string) {
	e.log.WithFields(logrus.Fields{
		"handle":     cs.handle,
		"client_id":  cs.clientID,
		"server_uri": serverURI,
	}).Debug("sending connect")
}

func (e *Engine) logPacketSent(cs *clientState, kind string) {
	e.log.WithFields(logrus.Fields{"handle": cs.handle, "packet": kind}).Debug("packet sent")
}

func (e *Engine) logPacketReceived(cs *clientState, kind string) {
	e.log.WithFields(logrus.Fields{"handle": cs.handle, "packet": kind}).Debug("packet received")
}

func (e *Engine) logProtocolError(cs *clientState, err error) {
	e.log.WithFields(logrus.Fields{"handle": cs.handle, "client_id": cs.clientID}).WithError(err).Error("protocol violation")
}

func (e *Engine) logPersistenceWarn(cs *clientState, err error) {
	e.log.WithFields(logrus.Fields{"handle": cs.handle, "client_id": cs.clientID}).WithError(err).Warn("persistence operation failed")
}
