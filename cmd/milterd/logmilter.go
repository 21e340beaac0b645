package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	milterd "github.com/nemorim/milterd"
)

// newLogApp builds an App that logs every callback it receives and accepts
// every message, adapted from the teacher's log-milter example: same set of
// logged events and changed-macro tracking, re-expressed against explicit
// App hook registration instead of the Milter interface.
func newLogApp(log *logrus.Logger) *milterd.App {
	seen := make(map[string]map[milterd.MacroName]string)

	entry := func(sess *milterd.Session) *logrus.Entry {
		return log.WithField("conn", sess.ConnID)
	}

	logChangedMacros := func(sess *milterd.Session, cmd milterd.Command) {
		values := seen[sess.ConnID]
		if values == nil {
			values = make(map[milterd.MacroName]string)
			seen[sess.ConnID] = values
		}
		macros := cmd.Macros()
		if macros == nil {
			return
		}
		for _, name := range []milterd.MacroName{
			milterd.MacroMTAFullyQualifiedDomainName,
			milterd.MacroDaemonName,
			milterd.MacroIfName,
			milterd.MacroIfAddr,
			milterd.MacroTlsVersion,
			milterd.MacroCipher,
			milterd.MacroCipherBits,
			milterd.MacroCertSubject,
			milterd.MacroCertIssuer,
			milterd.MacroQueueId,
			milterd.MacroAuthType,
			milterd.MacroAuthAuthen,
			milterd.MacroAuthSsf,
			milterd.MacroAuthAuthor,
			milterd.MacroMailMailer,
			milterd.MacroMailHost,
			milterd.MacroMailAddr,
			milterd.MacroRcptMailer,
			milterd.MacroRcptHost,
			milterd.MacroRcptAddr,
		} {
			newValue, ok := macros.GetEx(name)
			if !ok || newValue == values[name] {
				continue
			}
			entry(sess).Debugf("macro %s = %q", name, newValue)
			values[name] = newValue
		}
	}

	return milterd.NewApp("log-milter").
		OnNewConnection(func(sess *milterd.Session) error {
			entry(sess).Info("new connection")
			return nil
		}).
		OnConnect(func(sess *milterd.Session, cmd *milterd.Connect) (milterd.Response, error) {
			entry(sess).Infof("CONNECT host=%q family=%c port=%d addr=%q", cmd.Hostname, cmd.Family, cmd.Port, cmd.Address)
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnHelo(func(sess *milterd.Session, cmd *milterd.Helo) (milterd.Response, error) {
			entry(sess).Infof("HELO %q", cmd.Hostname)
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnMailFrom(func(sess *milterd.Session, cmd *milterd.MailFrom) (milterd.Response, error) {
			entry(sess).Infof("MAIL FROM <%s> %s", cmd.Address, formatEsmtp(cmd.Esmtp))
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnRcptTo(func(sess *milterd.Session, cmd *milterd.RcptTo) (milterd.Response, error) {
			entry(sess).Infof("RCPT TO <%s> %s", cmd.Address, formatEsmtp(cmd.Esmtp))
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnData(func(sess *milterd.Session, cmd *milterd.Data) (milterd.Response, error) {
			entry(sess).Info("DATA")
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnHeader(func(sess *milterd.Session, cmd *milterd.Header) (milterd.Response, error) {
			entry(sess).Infof("HEADER %s: %q", cmd.Name, cmd.Value)
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnEndOfHeaders(func(sess *milterd.Session, cmd *milterd.EndOfHeaders) (milterd.Response, error) {
			entry(sess).Info("EOH")
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnBodyChunk(func(sess *milterd.Session, cmd *milterd.BodyChunk) (milterd.Response, error) {
			entry(sess).Infof("BODY CHUNK size=%d", len(cmd.Chunk))
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnEndOfMessage(func(sess *milterd.Session, cmd *milterd.EndOfMessage) (milterd.Response, error) {
			entry(sess).Info("EOM")
			logChangedMacros(sess, cmd)
			return milterd.RespAccept, nil
		}).
		OnUnknown(func(sess *milterd.Session, cmd *milterd.Unknown) (milterd.Response, error) {
			entry(sess).Infof("UNKNOWN %q", cmd.Raw)
			logChangedMacros(sess, cmd)
			return milterd.RespContinue, nil
		}).
		OnAbort(func(sess *milterd.Session, cmd *milterd.Abort) error {
			entry(sess).Info("ABORT")
			return nil
		}).
		OnCleanup(func(sess *milterd.Session) {
			entry(sess).Info("cleanup")
			delete(seen, sess.ConnID)
		})
}

func formatEsmtp(args milterd.EsmtpArgs) string {
	if len(args) == 0 {
		return ""
	}
	out := ""
	for k, v := range args {
		if v == nil {
			out += " " + k
		} else {
			out += fmt.Sprintf(" %s=%s", k, *v)
		}
	}
	return out
}
