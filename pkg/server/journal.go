package server

import (
	"encoding/json"

	"github.com/nekomiya-kasane/metasock/pkg/journal"
	"github.com/nekomiya-kasane/metasock/pkg/protocol"
)

// JournalObserver writes every server event to a journal. Attach it to a
// Registry to keep an audit trail of connections and commands.
type JournalObserver struct {
	j *journal.Journal
	// RecordPayloads controls whether message payloads are stored
	RecordPayloads bool
}

// NewJournalObserver creates an observer that records into j
func NewJournalObserver(j *journal.Journal, recordPayloads bool) *JournalObserver {
	return &JournalObserver{j: j, RecordPayloads: recordPayloads}
}

func (o *JournalObserver) HandleConnection(s Session) {
	o.j.Append(journal.Event{
		Kind:      journal.KindConnection,
		Server:    s.Server,
		SessionID: s.ID,
		CreatedAt: s.ConnectedAt,
	})
}

func (o *JournalObserver) HandleMessage(m protocol.Message, s Session) error {
	e := journal.Event{
		Kind:      journal.KindMessage,
		Server:    s.Server,
		SessionID: s.ID,
		Framework: m.Framework,
		Command:   m.Command,
		CreatedAt: s.LastActivity,
	}
	if o.RecordPayloads {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return err
		}
		e.Payload = string(data)
	}
	o.j.Append(e)
	return nil
}

func (o *JournalObserver) HandleDisconnection(s Session) {
	o.j.Append(journal.Event{
		Kind:      journal.KindDisconnection,
		Server:    s.Server,
		SessionID: s.ID,
	})
}

func (o *JournalObserver) HandleError(err error, s *Session) {
	e := journal.Event{Kind: journal.KindError, Error: err.Error()}
	if s != nil {
		e.Server = s.Server
		e.SessionID = s.ID
	}
	o.j.Append(e)
}
