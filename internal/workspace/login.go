package workspace

import (
	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/codec"
)

// beginLogin starts the three-step login cascade at Cached (§4.5
// "Login protocol"). Only one login attempt is ever in flight.
func (w *Workspace) beginLogin() {
	if w.loginInFlight {
		return
	}
	w.ServerState.LoginStatus = LoggingIn
	w.ServerState.step = stepCached
	w.sendLoginAttempt()
}

// SetLoginPwd supplies a password after a PwdRequired notification
// (§4.7 SetLoginPwd command). It is accepted unconditionally if no
// login attempt is in flight; otherwise it is held until the next
// login outcome and used on retry.
func (w *Workspace) SetLoginPwd(pwd string) {
	w.Credentials.password = []byte(pwd)
	w.Credentials.PasswordVerifier = hashPassword(pwd)
	w.ServerState.PwdPresent = true
	w.ServerState.PwdRequired = false
	if w.ServerState.step == stepPwd && !w.loginInFlight {
		w.sendLoginAttempt()
	}
}

func (w *Workspace) sendLoginAttempt() {
	w.loginInFlight = true
	msg := w.buildLoginMessage()
	w.link.SendQuery(w.Credentials.Server, msg, func(reply *codec.Message, err error) {
		w.loginInFlight = false
		w.onLoginReply(reply, err)
	})
}

func (w *Workspace) buildLoginMessage() *codec.Message {
	wr := &codec.Writer{}
	wr.PutU64(w.Credentials.ExternalKwsID)
	wr.PutU64(w.Credentials.UserID)
	wr.PutU32(uint32(w.ServerState.step))
	switch w.ServerState.step {
	case stepTicket:
		wr.PutBin(w.Credentials.Ticket)
	case stepPwd:
		wr.PutBin(w.Credentials.password)
	default:
		wr.PutBin(w.Credentials.Ticket)
	}
	wr.PutU64(w.ServerState.LastReceivedEventID)
	return &codec.Message{Major: codec.SupportedMajor, Type: msgTypeLogin, Payload: wr.Bytes()}
}

// onLoginReply interprets the server's reply and either advances the
// cascade, surfaces PwdRequired, or settles on a terminal LoginResult.
func (w *Workspace) onLoginReply(reply *codec.Message, err error) {
	if err != nil {
		w.ServerState.LoginStatus = LoggedOut
		w.notif.Publish(w.InternalID, LoginChange{Status: LoggedOut, Err: err})
		return
	}

	result, lastEventID, pwdOnServer, err := parseLoginReply(reply)
	if err != nil {
		w.ServerState.LoginStatus = LoggedOut
		w.notif.Publish(w.InternalID, LoginChange{Status: LoggedOut, Err: err})
		return
	}
	w.ServerState.LoginResult = result

	switch result {
	case Accepted:
		w.ServerState.LoginStatus = LoggedIn
		w.ServerState.LastReceivedEventID = lastEventID
		w.MainStatus = Good
		w.notif.Publish(w.InternalID, LoginChange{Status: LoggedIn, Result: Accepted})

	case OOS:
		w.ServerState.LoginStatus = LoggedOut
		w.notif.Publish(w.InternalID, LoginChange{Status: LoggedOut, Result: OOS})
		w.scheduleRebuild(FlushServerData | FlushLocalData)

	case BadSecurityCreds:
		switch w.ServerState.step {
		case stepCached:
			if pwdOnServer {
				w.ServerState.step = stepTicket
				w.requestTicketAndRetry()
				return
			}
			w.ServerState.step = stepPwd
			w.surfacePwdRequired()
		case stepTicket:
			w.ServerState.step = stepPwd
			w.surfacePwdRequired()
		case stepPwd:
			w.ServerState.LoginStatus = LoggedOut
			w.notif.Publish(w.InternalID, LoginChange{Status: LoggedOut, Result: BadSecurityCreds, Err: apperrors.New(apperrors.KindAuth, apperrors.CodeBadSecurityCreds, "login refused")})
		}

	default:
		w.ServerState.LoginStatus = LoggedOut
		code := loginResultCode(result)
		w.notif.Publish(w.InternalID, LoginChange{Status: LoggedOut, Result: result, Err: apperrors.New(kindForLoginResult(result), code, "login refused")})
	}
}

func (w *Workspace) surfacePwdRequired() {
	w.ServerState.LoginStatus = LoggedOut
	w.ServerState.PwdRequired = true
	w.notif.Publish(w.InternalID, LoginChange{Status: LoggedOut, Result: BadSecurityCreds, Err: apperrors.New(apperrors.KindAuth, apperrors.CodePwdRequired, "password required")})
}

func (w *Workspace) requestTicketAndRetry() {
	w.loginInFlight = true
	w.helper.RequestTicket(w.InternalID, w.Credentials.ExternalKwsID, w.Credentials.UserID, func(ticket []byte, err error) {
		w.loginInFlight = false
		if err != nil {
			w.ServerState.LoginStatus = LoggedOut
			w.notif.Publish(w.InternalID, LoginChange{Status: LoggedOut, Result: CannotGetTicket, Err: err})
			return
		}
		w.Credentials.Ticket = ticket
		w.sendLoginAttempt()
	})
}

func parseLoginReply(reply *codec.Message) (result LoginResult, lastEventID uint64, pwdOnServer bool, err error) {
	r := codec.NewReader(reply.Payload)
	code, err := r.GetU32()
	if err != nil {
		return 0, 0, false, err
	}
	lastEventID, err = r.GetU64()
	if err != nil {
		return 0, 0, false, err
	}
	flag, err := r.GetU32()
	if err != nil {
		return 0, 0, false, err
	}
	return LoginResult(code), lastEventID, flag != 0, nil
}

func loginResultCode(r LoginResult) apperrors.Code {
	switch r {
	case BadKwsID:
		return apperrors.CodeBadKwsID
	case BadEmailID:
		return apperrors.CodeBadEmailID
	case DeletedKws:
		return apperrors.CodeDeletedKws
	case AccountLocked:
		return apperrors.CodeAccountLocked
	case Banned:
		return apperrors.CodeBanned
	case CannotGetTicket:
		return apperrors.CodeCannotGetTicket
	default:
		return apperrors.CodeMisc
	}
}

func kindForLoginResult(r LoginResult) apperrors.Kind {
	switch r {
	case AccountLocked, Banned:
		return apperrors.KindAuth
	case BadKwsID, BadEmailID, DeletedKws:
		return apperrors.KindSemantic
	case CannotGetTicket:
		return apperrors.KindTransport
	default:
		return apperrors.KindSemantic
	}
}
