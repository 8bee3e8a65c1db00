// Package notify announces written integrations to an MQTT broker so
// downstream pipelines can pick up new records without polling the streams.
package notify

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"datacatcher/config"
	"datacatcher/mir"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	publishTimeout = 5 * time.Second
	queueDepth     = 256
)

// Event is the JSON message published per written integration.
type Event struct {
	Station string `json:"station"`
	mir.Written
	Checksum string `json:"checksum"`
}

// Publisher is a writer sink that publishes Events. ScanWritten never
// blocks; a full queue drops the event.
type Publisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	station string

	queue    chan mir.Written
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher connects to the configured broker and starts the publish loop.
func NewPublisher(cfg config.MQTTConfig, station string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	brokerURL := fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker, cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("MQTT: connected to %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	log.Printf("MQTT: connecting to %s...", brokerURL)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	p := newPublisher(client, cfg.Topic, byte(cfg.QoS), station)
	p.Start()
	return p, nil
}

func newPublisher(client mqtt.Client, topic string, qos byte, station string) *Publisher {
	return &Publisher{
		client:  client,
		topic:   strings.TrimRight(topic, "/"),
		qos:     qos,
		station: station,
		queue:   make(chan mir.Written, queueDepth),
		stop:    make(chan struct{}),
	}
}

// Start launches the publish loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.publishLoop()
}

// ScanWritten queues w for publication.
func (p *Publisher) ScanWritten(w mir.Written) {
	select {
	case p.queue <- w:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("MQTT: queue full, dropped %d events so far", n)
		}
	}
}

// Stop publishes what is already queued, then disconnects.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		p.client.Disconnect(250)
	})
}

// Counts returns published, failed and dropped totals.
func (p *Publisher) Counts() (published, failed, dropped uint64) {
	return p.published.Load(), p.failed.Load(), p.dropped.Load()
}

func (p *Publisher) publishLoop() {
	defer p.wg.Done()
	for {
		select {
		case w := <-p.queue:
			p.publish(w)
		case <-p.stop:
			for {
				select {
				case w := <-p.queue:
					p.publish(w)
				default:
					return
				}
			}
		}
	}
}

// Topic returns the topic an integration is published on:
// <base>/<session>/<scan>.
func (p *Publisher) Topic(w mir.Written) string {
	return fmt.Sprintf("%s/%s/%d", p.topic, w.Session, w.Scan)
}

func (p *Publisher) publish(w mir.Written) {
	payload, err := json.Marshal(Event{
		Station:  p.station,
		Written:  w,
		Checksum: fmt.Sprintf("%016x", w.Checksum),
	})
	if err != nil {
		p.failed.Add(1)
		log.Printf("MQTT: encode scan %d: %v", w.Scan, err)
		return
	}
	token := p.client.Publish(p.Topic(w), p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		log.Printf("MQTT: publish scan %d timed out", w.Scan)
		return
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		log.Printf("MQTT: publish scan %d: %v", w.Scan, err)
		return
	}
	p.published.Add(1)
}
