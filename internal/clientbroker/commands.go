package clientbroker

import (
	"github.com/tmbx/kwm/internal/apperrors"
	"github.com/tmbx/kwm/internal/bundle"
	"github.com/tmbx/kwm/internal/codec"
	"github.com/tmbx/kwm/internal/ids"
	"github.com/tmbx/kwm/internal/serverconn"
	"github.com/tmbx/kwm/internal/workspace"
)

var errUnknownWorkspace = apperrors.New(apperrors.KindSemantic, apperrors.CodeBadKwsID, "unknown workspace id")

// handleCommand decodes one command frame and dispatches it. Every
// handler marshals its actual Host calls through host.Submit so they
// run on the manager's single coordination goroutine (§5), even though
// this method itself executes on the channel's own reader goroutine.
func (b *Broker) handleCommand(ch *Channel, msg *codec.Message) {
	r := codec.NewReader(msg.Payload)
	switch msg.Type {
	case CmdCreateWorkspace:
		b.cmdCreateWorkspace(ch, msg.ID, r)
	case CmdSetWorkspaceTask:
		b.cmdSetWorkspaceTask(ch, msg.ID, r)
	case CmdSetLoginPwd:
		b.cmdSetLoginPwd(ch, msg.ID, r)
	case CmdInviteToWorkspace:
		b.cmdInvite(ch, msg.ID, r)
	case CmdPostChat:
		b.cmdPostChat(ch, msg.ID, r)
	case CmdAcceptChatRequest:
		b.cmdAcceptChatRequest(ch, msg.ID, r)
	case CmdLookupRecipientAddress:
		b.cmdLookupRecipientAddress(ch, msg.ID, r)
	case CmdExportKws:
		b.cmdExportKws(ch, msg.ID, r)
	case CmdImportKws:
		b.cmdImportKws(ch, msg.ID, r)
	case CmdStartScreenShare:
		b.cmdStartScreenShare(ch, msg.ID, r)
	case CmdJoinScreenShare:
		b.cmdJoinScreenShare(ch, msg.ID, r)
	case CmdCheckEventUuid:
		b.cmdCheckEventUUID(ch, msg.ID, r)
	case CmdFetchEvent:
		b.cmdFetchEvent(ch, msg.ID, r)
	case CmdFetchState:
		b.cmdFetchState(ch, msg.ID, r)
	default:
		b.pushFrame(ch, failureReply(msg.ID, msg.Type, apperrors.New(apperrors.KindProtocol, "", "unknown command type")))
	}
}

func (b *Broker) fail(ch *Channel, id uint64, msgType uint32, err error) {
	b.pushFrame(ch, failureReply(id, msgType, err))
}

func (b *Broker) ok(ch *Channel, id uint64, msgType uint32, payload []byte) {
	b.pushFrame(ch, okReply(id, msgType, payload))
}

// cmdCreateWorkspace implements CreateWorkspace(name, flags) (§4.7).
// The wire payload also carries the target server's coordinates: the
// spec's command signature omits them, but §3's ServerHandle model
// requires every workspace to name a server, so this is this module's
// own extension of the wire shape (documented in DESIGN.md).
func (b *Broker) cmdCreateWorkspace(ch *Channel, id uint64, r *codec.Reader) {
	name, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdCreateWorkspace, err)
		return
	}
	flags, err := r.GetU32()
	if err != nil {
		b.fail(ch, id, CmdCreateWorkspace, err)
		return
	}
	host, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdCreateWorkspace, err)
		return
	}
	port, err := r.GetU32()
	if err != nil {
		b.fail(ch, id, CmdCreateWorkspace, err)
		return
	}

	b.host.Submit(func() {
		ep := serverconn.Endpoint{Host: host, Port: int(port)}
		b.host.StartCreateWorkspace(ep, name, flags, func(wsID ids.WorkspaceID, err error) {
			if err != nil {
				b.fail(ch, id, CmdCreateWorkspace, err)
				return
			}
			w := newFrameWriter()
			w.PutU64(uint64(wsID))
			b.ok(ch, id, CmdCreateWorkspace, w.Bytes())
			b.PushWorkspaceCreated(uint64(wsID))
		})
	})
}

// cmdSetWorkspaceTask implements SetWorkspaceTask(id, task); a task of
// DeleteRemotely kicks off the multi-step remote-delete core operation
// instead of a direct task switch (§4.7).
func (b *Broker) cmdSetWorkspaceTask(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdSetWorkspaceTask, err)
		return
	}
	taskVal, err := r.GetU32()
	if err != nil {
		b.fail(ch, id, CmdSetWorkspaceTask, err)
		return
	}
	task := workspace.Task(taskVal)

	b.host.Submit(func() {
		ws := ids.WorkspaceID(wsID)
		if task == workspace.TaskDeleteRemotely {
			if !b.host.StartDeleteRemotely(ws, func(err error) {
				if err != nil {
					b.log.Warn().Err(err).Str("workspace", ws.String()).Msg("remote delete failed")
				}
			}) {
				b.fail(ch, id, CmdSetWorkspaceTask, errUnknownWorkspace)
				return
			}
			b.ok(ch, id, CmdSetWorkspaceTask, nil)
			return
		}
		w, ok := b.host.Workspace(ws)
		if !ok {
			b.fail(ch, id, CmdSetWorkspaceTask, errUnknownWorkspace)
			return
		}
		if err := w.SetUserTask(task); err != nil {
			b.fail(ch, id, CmdSetWorkspaceTask, err)
			return
		}
		b.ok(ch, id, CmdSetWorkspaceTask, nil)
	})
}

// cmdSetLoginPwd implements SetLoginPwd(id, pwd) (§4.7).
func (b *Broker) cmdSetLoginPwd(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdSetLoginPwd, err)
		return
	}
	pwd, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdSetLoginPwd, err)
		return
	}
	b.host.Submit(func() {
		w, ok := b.host.Workspace(ids.WorkspaceID(wsID))
		if !ok {
			b.fail(ch, id, CmdSetLoginPwd, errUnknownWorkspace)
			return
		}
		w.SetLoginPwd(pwd)
		b.ok(ch, id, CmdSetLoginPwd, nil)
	})
}

func (b *Broker) lookupServerContext(wsID uint64) (server ids.ServerID, externalKwsID uint64, ok bool) {
	w, found := b.host.Workspace(ids.WorkspaceID(wsID))
	if !found {
		return 0, 0, false
	}
	return w.Credentials.Server, w.Credentials.ExternalKwsID, true
}

// cmdInvite implements InviteToWorkspace(id, recipients[], send_email, message) (§4.7).
func (b *Broker) cmdInvite(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdInviteToWorkspace, err)
		return
	}
	n, err := r.GetU32()
	if err != nil {
		b.fail(ch, id, CmdInviteToWorkspace, err)
		return
	}
	recipients := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		rec, rerr := r.GetString()
		if rerr != nil {
			b.fail(ch, id, CmdInviteToWorkspace, rerr)
			return
		}
		recipients = append(recipients, rec)
	}
	sendEmailFlag, err := r.GetU32()
	if err != nil {
		b.fail(ch, id, CmdInviteToWorkspace, err)
		return
	}
	message, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdInviteToWorkspace, err)
		return
	}

	b.host.Submit(func() {
		server, externalKwsID, ok := b.lookupServerContext(wsID)
		if !ok {
			b.fail(ch, id, CmdInviteToWorkspace, errUnknownWorkspace)
			return
		}
		b.host.SendInvite(server, externalKwsID, recipients, sendEmailFlag != 0, message, func(err error) {
			if err != nil {
				b.fail(ch, id, CmdInviteToWorkspace, err)
				return
			}
			b.ok(ch, id, CmdInviteToWorkspace, nil)
		})
	})
}

// cmdPostChat implements PostChat(id, channel, message) (§4.7).
func (b *Broker) cmdPostChat(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdPostChat, err)
		return
	}
	channel, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdPostChat, err)
		return
	}
	message, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdPostChat, err)
		return
	}
	b.host.Submit(func() {
		server, externalKwsID, ok := b.lookupServerContext(wsID)
		if !ok {
			b.fail(ch, id, CmdPostChat, errUnknownWorkspace)
			return
		}
		b.host.SendPostChat(server, externalKwsID, channel, message, func(err error) {
			if err != nil {
				b.fail(ch, id, CmdPostChat, err)
				return
			}
			b.ok(ch, id, CmdPostChat, nil)
		})
	})
}

// cmdAcceptChatRequest implements AcceptChatRequest(id, user, req) (§4.7).
func (b *Broker) cmdAcceptChatRequest(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdAcceptChatRequest, err)
		return
	}
	user, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdAcceptChatRequest, err)
		return
	}
	req, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdAcceptChatRequest, err)
		return
	}
	b.host.Submit(func() {
		server, externalKwsID, ok := b.lookupServerContext(wsID)
		if !ok {
			b.fail(ch, id, CmdAcceptChatRequest, errUnknownWorkspace)
			return
		}
		b.host.SendAcceptChatRequest(server, externalKwsID, user, req, func(err error) {
			if err != nil {
				b.fail(ch, id, CmdAcceptChatRequest, err)
				return
			}
			b.ok(ch, id, CmdAcceptChatRequest, nil)
		})
	})
}

// cmdLookupRecipientAddress implements LookupRecipientAddress(emails[])
// (§4.7). The command carries no workspace/server context in the
// spec's signature; this resolves the server by picking any one
// currently-online workspace's server, documented as an Open Question
// decision in DESIGN.md.
func (b *Broker) cmdLookupRecipientAddress(ch *Channel, id uint64, r *codec.Reader) {
	n, err := r.GetU32()
	if err != nil {
		b.fail(ch, id, CmdLookupRecipientAddress, err)
		return
	}
	emails := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		e, eerr := r.GetString()
		if eerr != nil {
			b.fail(ch, id, CmdLookupRecipientAddress, eerr)
			return
		}
		emails = append(emails, e)
	}
	b.host.Submit(func() {
		var server ids.ServerID
		found := false
		for _, w := range b.host.Workspaces() {
			if w.RunLevel() == workspace.Online {
				server = w.Credentials.Server
				found = true
				break
			}
		}
		if !found {
			b.fail(ch, id, CmdLookupRecipientAddress, apperrors.New(apperrors.KindSemantic, "", "no online workspace to query"))
			return
		}
		b.host.SendLookupRecipientAddress(server, emails, func(addresses []string, err error) {
			if err != nil {
				b.fail(ch, id, CmdLookupRecipientAddress, err)
				return
			}
			w := newFrameWriter()
			w.PutU32(uint32(len(addresses)))
			for _, a := range addresses {
				w.PutString(a)
			}
			b.ok(ch, id, CmdLookupRecipientAddress, w.Bytes())
		})
	})
}

// cmdStartScreenShare implements StartScreenShareSession(id) (§4.7).
func (b *Broker) cmdStartScreenShare(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdStartScreenShare, err)
		return
	}
	b.host.Submit(func() {
		server, externalKwsID, ok := b.lookupServerContext(wsID)
		if !ok {
			b.fail(ch, id, CmdStartScreenShare, errUnknownWorkspace)
			return
		}
		b.host.SendStartScreenShare(server, externalKwsID, func(token string, err error) {
			if err != nil {
				b.fail(ch, id, CmdStartScreenShare, err)
				return
			}
			w := newFrameWriter()
			w.PutString(token)
			b.ok(ch, id, CmdStartScreenShare, w.Bytes())
		})
	})
}

// cmdExportKws implements ExportKws(id) (§6): serializes one
// workspace's credentials as a single-entry TeamboxExport bundle and
// returns the XML bytes. The core never touches a filesystem path
// itself (§1 excludes registry/filesystem layout); the caller decides
// where to write the bytes.
func (b *Broker) cmdExportKws(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdExportKws, err)
		return
	}
	b.host.Submit(func() {
		w, ok := b.host.Workspace(ids.WorkspaceID(wsID))
		if !ok {
			b.fail(ch, id, CmdExportKws, errUnknownWorkspace)
			return
		}
		ep, ok := b.host.ServerEndpoint(w.Credentials.Server)
		if !ok {
			b.fail(ch, id, CmdExportKws, apperrors.New(apperrors.KindInternal, "", "workspace server endpoint not found"))
			return
		}
		doc := bundle.Document{Kws: []bundle.Kws{{
			ExternalKwsID:    w.Credentials.ExternalKwsID,
			Host:             ep.Host,
			Port:             ep.Port,
			UserID:           w.Credentials.UserID,
			Ticket:           w.Credentials.Ticket,
			PasswordVerifier: w.Credentials.PasswordVerifier,
		}}}
		xmlBytes, err := bundle.Encode(doc)
		if err != nil {
			b.fail(ch, id, CmdExportKws, err)
			return
		}
		wr := newFrameWriter()
		wr.PutBin(xmlBytes)
		b.ok(ch, id, CmdExportKws, wr.Bytes())
	})
}

// cmdImportKws implements ImportKws(xml) (§6): spawns one workspace
// per Kws entry in the bundle, offline until the manager's next pass
// dials the server (§4.5 TaskWorkOffline is the safe initial task for
// imported credentials, matching how a freshly restored workspace starts).
func (b *Broker) cmdImportKws(ch *Channel, id uint64, r *codec.Reader) {
	xmlBytes, err := r.GetBin()
	if err != nil {
		b.fail(ch, id, CmdImportKws, err)
		return
	}
	doc, err := bundle.Decode(xmlBytes)
	if err != nil {
		b.fail(ch, id, CmdImportKws, err)
		return
	}
	b.host.Submit(func() {
		wr := newFrameWriter()
		wr.PutU32(uint32(len(doc.Kws)))
		for _, k := range doc.Kws {
			ep := serverconn.Endpoint{Host: k.Host, Port: k.Port}
			wsID := b.host.ImportWorkspace(ep, workspace.Credentials{
				ExternalKwsID:    k.ExternalKwsID,
				UserID:           k.UserID,
				Ticket:           k.Ticket,
				PasswordVerifier: k.PasswordVerifier,
			})
			wr.PutU64(uint64(wsID))
		}
		b.ok(ch, id, CmdImportKws, wr.Bytes())
	})
}

// cmdJoinScreenShare implements JoinScreenShareSession (§4.7).
func (b *Broker) cmdJoinScreenShare(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdJoinScreenShare, err)
		return
	}
	token, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdJoinScreenShare, err)
		return
	}
	b.host.Submit(func() {
		server, externalKwsID, ok := b.lookupServerContext(wsID)
		if !ok {
			b.fail(ch, id, CmdJoinScreenShare, errUnknownWorkspace)
			return
		}
		b.host.SendJoinScreenShare(server, externalKwsID, token, func(err error) {
			if err != nil {
				b.fail(ch, id, CmdJoinScreenShare, err)
				return
			}
			b.ok(ch, id, CmdJoinScreenShare, nil)
		})
	})
}

// cmdCheckEventUUID implements CheckEventUuid(id, event_id, uuid) (§4.7).
func (b *Broker) cmdCheckEventUUID(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdCheckEventUuid, err)
		return
	}
	eventID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdCheckEventUuid, err)
		return
	}
	uuid, err := r.GetString()
	if err != nil {
		b.fail(ch, id, CmdCheckEventUuid, err)
		return
	}
	b.host.Submit(func() {
		match, err := b.host.CheckEventUUID(ids.WorkspaceID(wsID), eventID, uuid)
		if err != nil {
			b.fail(ch, id, CmdCheckEventUuid, err)
			return
		}
		w := newFrameWriter()
		if match {
			w.PutU32(1)
		} else {
			w.PutU32(0)
		}
		b.ok(ch, id, CmdCheckEventUuid, w.Bytes())
	})
}

// cmdFetchEvent implements FetchEvent(id, since_id, limit) (§4.7).
func (b *Broker) cmdFetchEvent(ch *Channel, id uint64, r *codec.Reader) {
	wsID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdFetchEvent, err)
		return
	}
	sinceID, err := r.GetU64()
	if err != nil {
		b.fail(ch, id, CmdFetchEvent, err)
		return
	}
	limit, err := r.GetU32()
	if err != nil {
		b.fail(ch, id, CmdFetchEvent, err)
		return
	}
	b.host.Submit(func() {
		events, err := b.host.FetchSince(ids.WorkspaceID(wsID), sinceID, int(limit))
		if err != nil {
			b.fail(ch, id, CmdFetchEvent, err)
			return
		}
		w := newFrameWriter()
		w.PutU32(uint32(len(events)))
		for _, e := range events {
			w.PutU64(e.EventID)
			w.PutBin(e.Payload)
		}
		b.ok(ch, id, CmdFetchEvent, w.Bytes())
	})
}

// cmdFetchState implements FetchState() (§4.7): a full snapshot of
// every live workspace, and the pull that resolves a previously pushed
// FetchStateHint.
func (b *Broker) cmdFetchState(ch *Channel, id uint64, _ *codec.Reader) {
	b.host.Submit(func() {
		wsList := b.host.Workspaces()
		w := newFrameWriter()
		w.PutU32(uint32(len(wsList)))
		for _, ws := range wsList {
			w.PutU64(uint64(ws.InternalID))
			w.PutU32(uint32(ws.MainStatus))
			w.PutU32(uint32(ws.CurrentTask))
			w.PutU32(uint32(ws.ServerState.LoginStatus))
			w.PutU32(uint32(ws.RunLevel()))
		}
		ch.needSync = false
		b.ok(ch, id, CmdFetchState, w.Bytes())
	})
}
