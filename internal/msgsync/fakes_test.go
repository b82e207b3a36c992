package msgsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func ts(minute int) string {
	return base.Add(time.Duration(minute) * time.Minute).Format(time.RFC3339)
}

func at(minute int) time.Time {
	return base.Add(time.Duration(minute) * time.Minute)
}

func rawMsg(threadID, id, kind string, minute int) RawMessage {
	return RawMessage{
		ID:         id,
		ThreadID:   threadID,
		SenderID:   kind + "-1",
		SenderKind: kind,
		Content:    "message " + id,
		CreatedAt:  ts(minute),
	}
}

// =========== Fake API ===========

type fakeAPI struct {
	mu        sync.Mutex
	threads   []ThreadSummary
	archived  []ThreadSummary
	details   map[string]*ThreadDetail
	patients  map[string]string
	listErr   error
	archErr   error
	sendErr   error
	uploadErr error
	nextID    int

	getThread   func(ctx context.Context, id string) (*ThreadDetail, error)
	sendHook    func()
	sendResult  func(raw *RawMessage)
	archiveHook func()
	patientHook func()

	getThreadCalls  int
	getPatientCalls int
	archiveCalls    []string
	uploads         [][]FileUpload
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		details:  make(map[string]*ThreadDetail),
		patients: make(map[string]string),
		nextID:   1000,
	}
}

func (f *fakeAPI) ListThreads(_ context.Context, archived bool) ([]ThreadSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if archived {
		return append([]ThreadSummary(nil), f.archived...), nil
	}
	return append([]ThreadSummary(nil), f.threads...), nil
}

func (f *fakeAPI) GetThread(ctx context.Context, id string) (*ThreadDetail, error) {
	f.mu.Lock()
	f.getThreadCalls++
	hook := f.getThread
	d, ok := f.details[id]
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, id)
	}
	if !ok {
		return nil, fmt.Errorf("thread %s not found", id)
	}
	cp := *d
	cp.Messages = append([]RawMessage(nil), d.Messages...)
	return &cp, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, threadID, content string, attachments []Attachment) (*RawMessage, error) {
	f.mu.Lock()
	hook := f.sendHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	raw := &RawMessage{
		ID:         fmt.Sprintf("%d", f.nextID),
		ThreadID:   threadID,
		SenderID:   "prov-1",
		SenderKind: "provider",
		Content:    content,
		CreatedAt:  ts(600 + f.nextID - 1000),
	}
	for _, a := range attachments {
		raw.Attachments = append(raw.Attachments, RawAttachment{ID: a.ID, Name: a.Name, Kind: string(a.Kind), URL: a.URL, SizeBytes: a.SizeBytes})
	}
	if f.sendResult != nil {
		f.sendResult(raw)
	}
	return raw, nil
}

func (f *fakeAPI) ArchiveThread(_ context.Context, id string) error {
	f.mu.Lock()
	hook := f.archiveHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveCalls = append(f.archiveCalls, id)
	return f.archErr
}

func (f *fakeAPI) GetPatient(_ context.Context, id string) (*Patient, error) {
	f.mu.Lock()
	hook := f.patientHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getPatientCalls++
	name, ok := f.patients[id]
	if !ok {
		return nil, errors.New("patient not found")
	}
	return &Patient{ID: id, DisplayName: name}, nil
}

func (f *fakeAPI) UploadFiles(_ context.Context, files []FileUpload) ([]Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, files)
	out := make([]Attachment, 0, len(files))
	for i, file := range files {
		out = append(out, Attachment{
			ID:        fmt.Sprintf("att-%d", i+1),
			Name:      file.Name,
			Kind:      ParseAttachmentKind(file.ContentType),
			URL:       "/api/v1/uploads/att-" + fmt.Sprint(i+1),
			SizeBytes: int64(len(file.Data)),
		})
	}
	return out, nil
}

func (f *fakeAPI) patientCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getPatientCalls
}

// =========== Fake push transport ===========

type fakeSub struct {
	push    *fakePush
	scope   string
	handler PushHandler
	closed  bool
}

func (s *fakeSub) Close() error {
	s.push.mu.Lock()
	defer s.push.mu.Unlock()
	s.closed = true
	return nil
}

type fakePush struct {
	mu     sync.Mutex
	subs   []*fakeSub
	states chan bool
	subErr error
}

func newFakePush() *fakePush {
	return &fakePush{states: make(chan bool, 4)}
}

func (p *fakePush) Subscribe(scope Scope, handler PushHandler) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subErr != nil {
		return nil, p.subErr
	}
	s := &fakeSub{push: p, scope: scope.String(), handler: handler}
	p.subs = append(p.subs, s)
	return s, nil
}

func (p *fakePush) ConnectionStates() <-chan bool { return p.states }

// deliver invokes every open handler for scope and reports how many ran.
func (p *fakePush) deliver(scope Scope, ev PushEvent) int {
	p.mu.Lock()
	var handlers []PushHandler
	for _, s := range p.subs {
		if !s.closed && s.scope == scope.String() {
			handlers = append(handlers, s.handler)
		}
	}
	p.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
	return len(handlers)
}

func (p *fakePush) open(scope Scope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subs {
		if !s.closed && s.scope == scope.String() {
			n++
		}
	}
	return n
}

func (p *fakePush) total(scope Scope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subs {
		if s.scope == scope.String() {
			n++
		}
	}
	return n
}
