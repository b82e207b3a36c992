package msgsync

import "context"

// API is the REST collaborator the Controller loads and mutates threads
// through.
type API interface {
	ListThreads(ctx context.Context, archived bool) ([]ThreadSummary, error)
	GetThread(ctx context.Context, threadID string) (*ThreadDetail, error)
	SendMessage(ctx context.Context, threadID, content string, attachments []Attachment) (*RawMessage, error)
	ArchiveThread(ctx context.Context, threadID string) error
	GetPatient(ctx context.Context, patientID string) (*Patient, error)
	UploadFiles(ctx context.Context, files []FileUpload) ([]Attachment, error)
}

// ScopeKind selects what a push subscription listens to.
type ScopeKind string

const (
	// ScopeThread delivers events for a single thread.
	ScopeThread ScopeKind = "thread"
	// ScopeInbox delivers events for every thread owned by a provider.
	ScopeInbox ScopeKind = "inbox"
)

// Scope is the target of a push subscription.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// ThreadScope returns the scope for a single thread.
func ThreadScope(threadID string) Scope { return Scope{Kind: ScopeThread, ID: threadID} }

// InboxScope returns the scope for all threads of a provider.
func InboxScope(providerID string) Scope { return Scope{Kind: ScopeInbox, ID: providerID} }

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// PushEvent is one decoded push notification: NewMessageEvent,
// ThreadUpdateEvent or ReadAckEvent.
type PushEvent interface {
	pushEvent()
}

// NewMessageEvent announces a message posted to a thread.
type NewMessageEvent struct {
	Message RawMessage
}

// ThreadUpdateEvent announces a change to a thread summary.
type ThreadUpdateEvent struct {
	ThreadID string
	Patch    ThreadPatch
}

// ReadAckEvent announces that a message has been read by its recipient.
type ReadAckEvent struct {
	ThreadID  string
	MessageID string
}

func (NewMessageEvent) pushEvent()   {}
func (ThreadUpdateEvent) pushEvent() {}
func (ReadAckEvent) pushEvent()      {}

// PushHandler receives decoded push events. Handlers may be invoked from a
// transport goroutine.
type PushHandler func(PushEvent)

// Subscription is a live push subscription. Close stops delivery to the
// handler and is safe to call more than once.
type Subscription interface {
	Close() error
}

// PushTransport is the live update collaborator.
type PushTransport interface {
	Subscribe(scope Scope, handler PushHandler) (Subscription, error)
	// ConnectionStates reports connectivity transitions; true means
	// connected. A nil channel means the transport never reports them.
	ConnectionStates() <-chan bool
}
