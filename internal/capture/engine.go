package capture

// DefaultMimeType is the fragment type requested when none is configured
const DefaultMimeType = "video/webm"

// Fragment is one chunk of encoded media delivered during a recording
type Fragment struct {
	Data []byte
	Type string
}

// Size returns the fragment length in bytes
func (f Fragment) Size() int {
	return len(f.Data)
}

// EventKind enumerates the notifications a capture engine emits
type EventKind int

const (
	EventFragment EventKind = iota
	EventError
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventError:
		return "error"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one engine notification. Fragment is set for EventFragment,
// Err for EventError.
type Event struct {
	Kind     EventKind
	Fragment Fragment
	Err      error
}

// EngineOptions configures fragment production
type EngineOptions struct {
	MimeType string
	// BitsPerSecond is zero when the platform picks the bit rate
	BitsPerSecond int64
}

// Recorder is one running fragment producer. Events are delivered in
// production order on a single channel; EventStopped is the last event
// before the channel is closed. Stop only requests the stop, it does not
// wait for it.
type Recorder interface {
	Events() <-chan Event
	Stop() error
}

// Engine starts fragment production from a source
type Engine interface {
	Start(src *Source, opts EngineOptions) (Recorder, error)
}
