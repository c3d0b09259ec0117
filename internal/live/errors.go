package live

import "errors"

// Sentinel errors returned by [Session.Start]. Callers match them with
// errors.Is; the wrapped cause is kept in the chain.
var (
	// ErrPermissionDenied means the capture device could not be acquired.
	ErrPermissionDenied = errors.New("live: microphone access denied")

	// ErrOutput means the playback device could not be opened.
	ErrOutput = errors.New("live: audio output unavailable")

	// ErrConnection means the agent channel could not be opened or never
	// became ready. A missing credential is reported this way too.
	ErrConnection = errors.New("live: connection failed")

	// ErrSessionActive is returned by Start unless the session is Idle.
	ErrSessionActive = errors.New("live: session already active")

	// ErrTerminated is returned by Start when the session was terminated
	// before it became ready.
	ErrTerminated = errors.New("live: terminated during start")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("live: session closed")
)

// User-facing messages.
const (
	msgLinkDisrupted = "Neural Link Disrupted. Please reconnect."
	msgPermission    = "Microphone access denied: "
	msgOutput        = "Audio output unavailable: "
	msgConnection    = "Connection Failed: "
)

func userMessage(prefix string, err error) string {
	if err == nil {
		return prefix + "Unknown Error"
	}
	return prefix + err.Error()
}
