package relay

// ============================================================================
// Notification Sink
// ============================================================================

// SoundEffect identifies a sound the host application may play.
type SoundEffect string

const (
	SoundNewMessage  SoundEffect = "new-message"
	SoundMessageSent SoundEffect = "message-sent"
	SoundSendFailed  SoundEffect = "send-failed"
)

// Notification is one aggregate new-message notification. Count is the
// number of messages from other users that arrived in a single poll tick;
// the engine never emits one notification per message.
type Notification struct {
	ConversationID string
	Count          int
}

// NotificationSink receives the user-facing side effects the engine decides
// to trigger. The engine only decides when to notify; the sink decides how
// (toast, sound, badge). Implementations must be safe for concurrent use.
type NotificationSink interface {
	Notify(n Notification)
	PlaySound(s SoundEffect)
}

// nopSink is used when the caller supplies no sink.
type nopSink struct{}

func (nopSink) Notify(Notification)   {}
func (nopSink) PlaySound(SoundEffect) {}

// ============================================================================
// Notification Dispatcher
// ============================================================================

// notificationDispatcher decides, on each successful message poll, whether
// new messages from other users arrived. It observes poll results only —
// never sends — so the user's own optimistic messages are not announced
// back at them.
type notificationDispatcher struct {
	selfID string
	sink   NotificationSink
}

// dispatch diffs the freshly fetched server messages against the ids that
// were cached before the poll, partitions the new ones by sender, and fires
// at most one notification plus one sound per tick.
//
// Pending optimistic entries never appear in server responses, carry temp
// ids that cannot collide with server ids, and are reconciled solely by the
// send path, so they can neither be counted here nor double-fired.
func (d *notificationDispatcher) dispatch(conversationID string, idsBefore map[string]bool, serverMessages []Message) {
	other := 0
	for _, m := range serverMessages {
		if idsBefore[m.ID] {
			continue
		}
		if m.SenderID == d.selfID {
			continue
		}
		other++
	}
	if other == 0 {
		return
	}
	d.sink.Notify(Notification{ConversationID: conversationID, Count: other})
	d.sink.PlaySound(SoundNewMessage)
}
