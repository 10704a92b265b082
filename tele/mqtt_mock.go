package tele

// Minimal mqtt.Client stub capturing Publish calls for tests.

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MockPublish struct {
	Topic   string
	Payload []byte
}

type MqttMock struct {
	Pub chan MockPublish
}

func NewMqttMock() *MqttMock {
	return &MqttMock{Pub: make(chan MockPublish, 32)}
}

func (self *MqttMock) Connect() mqtt.Token    { return mockToken{} }
func (self *MqttMock) Disconnect(uint)        {}
func (self *MqttMock) IsConnected() bool      { return true }
func (self *MqttMock) IsConnectionOpen() bool { return true }

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.Pub <- MockPublish{Topic: topic, Payload: payload.([]byte)}
	return mockToken{}
}

func (self *MqttMock) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token     { panic("not implemented") }
func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }
func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

type mockToken struct{}

func (mockToken) Wait() bool                     { return true }
func (mockToken) WaitTimeout(time.Duration) bool { return true }
func (mockToken) Error() error                   { return nil }
