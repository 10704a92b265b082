// Package tele publishes committed telemetry batches to an MQTT broker so
// displays and exporters can follow a running measurement without touching
// the serial links.
package tele

import (
	"encoding/json"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/potlab/pstat/log2"
	"github.com/potlab/pstat/telemetry"
)

type Config struct {
	Enabled      bool   `hcl:"enable"`
	MqttBroker   string `hcl:"mqtt_broker"`
	MqttClientID string `hcl:"mqtt_client_id"`
	TopicPrefix  string `hcl:"topic_prefix"`
}

const defaultTopicPrefix = "pstat"

type Tele struct {
	alive *alive.Alive
	log   *log2.Log
	c     mqtt.Client
	topic string
}

func New(cfg Config, log *log2.Log) (*Tele, error) {
	opt := mqtt.NewClientOptions().
		AddBroker(cfg.MqttBroker).
		SetClientID(cfg.MqttClientID)
	client := mqtt.NewClient(opt)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, errors.Annotatef(tok.Error(), "tele connect broker=%s", cfg.MqttBroker)
	}
	return NewWithClient(cfg, log, client), nil
}

// NewWithClient takes ownership of client; tests pass a mock here.
func NewWithClient(cfg Config, log *log2.Log, client mqtt.Client) *Tele {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &Tele{
		alive: alive.NewAlive(),
		log:   log,
		c:     client,
		topic: prefix + "/" + cfg.MqttClientID + "/data",
	}
}

// Run consumes committed batches until the channel closes or Stop is called.
func (self *Tele) Run(batches <-chan telemetry.Batch) {
	if !self.alive.Add(1) {
		return
	}
	go self.loop(batches)
}

func (self *Tele) Stop() {
	self.alive.Stop()
	self.alive.Wait()
	self.c.Disconnect(100)
}

func (self *Tele) loop(batches <-chan telemetry.Batch) {
	defer self.alive.Done()
	for {
		select {
		case <-self.alive.StopChan():
			return
		case b, ok := <-batches:
			if !ok {
				return
			}
			self.publish(b)
		}
	}
}

func (self *Tele) publish(b telemetry.Batch) {
	named := make(map[string][]float64, len(b))
	for tr, vs := range b {
		named[tr.String()] = vs
	}
	payload, err := json.Marshal(named)
	if err != nil {
		self.log.Errorf("tele: marshal: %v", err)
		return
	}
	if tok := self.c.Publish(self.topic, 1, false, payload); tok.Wait() && tok.Error() != nil {
		self.log.Errorf("tele: publish topic=%s: %v", self.topic, tok.Error())
	}
}
