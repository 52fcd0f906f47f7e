package push

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/sitelink-io/sitelink/internal/call"
)

// CallEntry is the slice of the call controller the receiver needs.
type CallEntry interface {
	ReportIncoming(md call.Metadata) (call.Call, error)
}

// Notifier fans an incoming call out to companion UIs. Optional.
type Notifier interface {
	NotifyIncomingCall(md call.Metadata)
}

// Receiver subscribes to the facility push broker and feeds
// incoming-call payloads to the call controller.
type Receiver struct {
	client   mqtt.Client
	topic    string
	entry    CallEntry
	notifier Notifier
	logger   *slog.Logger
}

// ReceiverConfig wires a Receiver. BrokerURL and Topic are required.
type ReceiverConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string

	Entry    CallEntry
	Notifier Notifier
	Logger   *slog.Logger
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Receiver{
		topic:    cfg.Topic,
		entry:    cfg.Entry,
		notifier: cfg.Notifier,
		logger:   logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	// Unique client ID so several daemons against the same broker do
	// not kick each other off.
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("push broker connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("push broker connected", "broker", cfg.BrokerURL)
		if token := client.Subscribe(r.topic, 1, r.handleMessage); token.Wait() && token.Error() != nil {
			logger.Error("push topic subscribe failed", "topic", r.topic, "error", token.Error())
		}
	})

	r.client = mqtt.NewClient(opts)
	return r
}

// Start connects to the broker with bounded retries and exponential
// backoff. Subscription happens in the on-connect handler so it is
// re-established after automatic reconnects.
func (r *Receiver) Start() error {
	const maxRetries = 5
	var err error

	for i := 0; i < maxRetries; i++ {
		token := r.client.Connect()
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			return nil
		}
		err = token.Error()
		backoff := time.Duration(1<<uint(i)) * time.Second
		r.logger.Warn("push broker connect attempt failed",
			"attempt", i+1, "attempts", maxRetries, "retry_in", backoff, "error", err)
		time.Sleep(backoff)
	}

	return fmt.Errorf("push broker unreachable after %d attempts: %v", maxRetries, err)
}

func (r *Receiver) Stop() {
	if r.client != nil && r.client.IsConnected() {
		r.client.Disconnect(250)
	}
}

func (r *Receiver) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in push handler", "topic", msg.Topic(), "panic", rec)
		}
	}()

	md, err := Decode(msg.Payload())
	if err != nil {
		r.logger.Warn("dropping push payload", "topic", msg.Topic(), "error", err)
		return
	}

	if _, err := r.entry.ReportIncoming(md); err != nil {
		// Busy device: the caller hears ringing elsewhere, nothing to
		// surface here.
		r.logger.Warn("incoming call not accepted", "call_id", md.CallID, "error", err)
		return
	}

	if r.notifier != nil {
		r.notifier.NotifyIncomingCall(md)
	}
}
