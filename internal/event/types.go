package event

// TopicLifecycle is the bus topic every connection subscribes to for as
// long as it is open: command_accepted/started/finished and
// session_created/session_deleted publish here, wrapped as
// pkg/types.LifecycleEvent. server_ready is not published here
// (muxserver.RegisterConnection sends it straight to each new
// connection), and nothing publishes server_shutdown.
const TopicLifecycle EventType = "lifecycle"

// SessionTopic returns the per-session topic a connection subscribes to
// after a successful switch_session. Forwarded agent events and
// extension_ui_request prompts for that session both publish here,
// wrapped as pkg/types.SessionEvent.
func SessionTopic(sessionID string) EventType {
	return EventType("session:" + sessionID)
}
