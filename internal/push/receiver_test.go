package push

import (
	"io"
	"log/slog"
	"testing"

	"github.com/sitelink-io/sitelink/internal/call"
)

type fakeEntry struct {
	calls []call.Metadata
	err   error
}

func (f *fakeEntry) ReportIncoming(md call.Metadata) (call.Call, error) {
	f.calls = append(f.calls, md)
	if f.err != nil {
		return call.Call{}, f.err
	}
	return call.Call{ID: md.CallID, State: call.StateRinging}, nil
}

type fakeNotifier struct {
	notified []call.Metadata
}

func (f *fakeNotifier) NotifyIncomingCall(md call.Metadata) {
	f.notified = append(f.notified, md)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestReceiver(entry *fakeEntry, notifier *fakeNotifier) *Receiver {
	r := &Receiver{
		topic:  "sitelink/push/incoming",
		entry:  entry,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if notifier != nil {
		r.notifier = notifier
	}
	return r
}

func TestMalformedPushNeverReachesController(t *testing.T) {
	entry := &fakeEntry{}
	r := newTestReceiver(entry, nil)

	r.handleMessage(nil, &fakeMessage{topic: r.topic, payload: []byte(`{"channel_id":"lobby"}`)})

	if len(entry.calls) != 0 {
		t.Fatalf("malformed payload reached the controller: %+v", entry.calls)
	}
}

func TestValidPushNotifiesCompanions(t *testing.T) {
	entry := &fakeEntry{}
	notifier := &fakeNotifier{}
	r := newTestReceiver(entry, notifier)

	payload := []byte(`{"call_id":"c1","channel_id":"lobby","caller_name":"Gate","is_emergency":false}`)
	r.handleMessage(nil, &fakeMessage{topic: r.topic, payload: payload})

	if len(entry.calls) != 1 || entry.calls[0].CallID != "c1" {
		t.Fatalf("controller did not receive the call: %+v", entry.calls)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("companion UIs were not notified")
	}
}

func TestBusyDeviceSkipsNotification(t *testing.T) {
	entry := &fakeEntry{err: call.ErrAlreadyInCall}
	notifier := &fakeNotifier{}
	r := newTestReceiver(entry, notifier)

	payload := []byte(`{"call_id":"c2","channel_id":"lobby","caller_name":"Gate","is_emergency":false}`)
	r.handleMessage(nil, &fakeMessage{topic: r.topic, payload: payload})

	if len(notifier.notified) != 0 {
		t.Fatalf("busy device should not notify companions")
	}
}
