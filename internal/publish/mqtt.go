// Package publish mirrors die events to an MQTT broker.
package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/die"
	"github.com/chaz8081/pixels-central/internal/syncutil"
)

const queueSize = 64

type Options struct {
	// Broker is host:port; tcp:// is added when no scheme is given.
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// StatePayload is published, retained, to <prefix>/<device id>/state.
type StatePayload struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	State   string `json:"state"`
	Faces   int    `json:"faces"`
}

// RollPayload is published to <prefix>/<device id>/roll.
type RollPayload struct {
	State string `json:"state"`
	Face  int    `json:"face"`
}

// BatteryPayload is published to <prefix>/<device id>/battery.
type BatteryPayload struct {
	Level float32 `json:"level"`
}

type message struct {
	topic    string
	retained bool
	payload  any
}

// Publisher forwards session events to MQTT. Events are queued and
// published from one goroutine so BLE callbacks never wait on the network.
type Publisher struct {
	client mqtt.Client
	broker string
	prefix string
	qos    byte

	queue   chan message
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool

	stopMu  syncutil.Mutex
	stopped bool
}

// New returns a publisher for opts. Call Start to connect.
func New(opts Options) *Publisher {
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "pixels-central-" + uuid.New().String()[:8]
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(broker)
	mo.SetClientID(clientID)
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetConnectTimeout(10 * time.Second)
	mo.OnConnect = func(_ mqtt.Client) {
		log.Info().Msgf("mqtt publisher: connected to %s", broker)
	}
	mo.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt publisher: connection lost")
	}
	return newPublisher(mqtt.NewClient(mo), broker, opts)
}

func newPublisher(client mqtt.Client, broker string, opts Options) *Publisher {
	prefix := strings.TrimSuffix(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = "pixels"
	}
	return &Publisher{
		client: client,
		broker: broker,
		prefix: prefix,
		qos:    opts.QoS,
		queue:  make(chan message, queueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start connects to the broker and begins publishing queued events.
func (p *Publisher) Start() error {
	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	p.started.Store(true)
	go p.run()
	return nil
}

// Stop drops queued events and disconnects.
func (p *Publisher) Stop() {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true

	close(p.stopCh)
	if p.started.Load() {
		<-p.done
	}
	if p.client.IsConnected() {
		log.Debug().Msg("mqtt publisher: disconnecting")
		p.client.Disconnect(250)
	}
}

// Watch publishes s's state, roll and battery events until the returned
// function is called. The current state is published at once.
func (p *Publisher) Watch(s *die.Session) (unwatch func()) {
	hState := s.StateChanged.Add(func(die.StateChange) { p.publishState(s) })
	hRoll := s.RollChanged.Add(func(r die.Roll) {
		p.enqueue(message{
			topic:   p.topic(s, "roll"),
			payload: RollPayload{State: r.State.String(), Face: r.Face},
		})
	})
	hBattery := s.BatteryChanged.Add(func(level float32) {
		p.enqueue(message{
			topic:   p.topic(s, "battery"),
			payload: BatteryPayload{Level: level},
		})
	})
	p.publishState(s)

	return func() {
		s.StateChanged.Remove(hState)
		s.RollChanged.Remove(hRoll)
		s.BatteryChanged.Remove(hBattery)
	}
}

func (p *Publisher) publishState(s *die.Session) {
	info := s.Info()
	p.enqueue(message{
		topic:    p.topic(s, "state"),
		retained: true,
		payload: StatePayload{
			Name:    info.Name,
			Address: info.Address,
			State:   info.State.String(),
			Faces:   info.FaceCount,
		},
	})
}

func (p *Publisher) topic(s *die.Session, leaf string) string {
	return fmt.Sprintf("%s/%08x/%s", p.prefix, s.Identity().DeviceID, leaf)
}

func (p *Publisher) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		log.Warn().Str("topic", m.topic).Msg("mqtt publisher: queue full, dropping event")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stopCh:
			return
		case m := <-p.queue:
			payload, err := json.Marshal(m.payload)
			if err != nil {
				log.Error().Err(err).Msg("mqtt publisher: failed to marshal event")
				continue
			}
			token := p.client.Publish(m.topic, p.qos, m.retained, payload)
			if token.Wait() && token.Error() != nil {
				log.Error().Err(token.Error()).Str("topic", m.topic).Msg("mqtt publisher: failed to publish")
				continue
			}
			log.Debug().Str("topic", m.topic).Msg("mqtt publisher: published")
		}
	}
}
