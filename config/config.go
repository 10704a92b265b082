// Package config loads tool configuration from HCL files.
package config

import (
	"io/ioutil"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/potlab/pstat/helpers"
	"github.com/potlab/pstat/log2"
	"github.com/potlab/pstat/tele"
)

type Config struct {
	// Names of the two serial links, e.g. /dev/ttyACM0 and /dev/ttyACM1.
	CommandPort string `hcl:"command_port"`
	DataPort    string `hcl:"data_port"`

	LogDebug bool `hcl:"log_debug"`
	// RaiseOnError converts "error NNN" device replies into typed errors.
	RaiseOnError bool `hcl:"raise_on_error"`

	Tele tele.Config `hcl:"tele"`
}

func ReadConfig(log *log2.Log, path string) (*Config, error) {
	bs, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config path=%s", path)
	}
	log.Debugf("config reading path=%s", path)
	c := &Config{}
	if err := hcl.Unmarshal(bs, c); err != nil {
		return nil, errors.Annotatef(err, "config unmarshal path=%s", path)
	}
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, path string) *Config {
	c, err := ReadConfig(log, path)
	if err != nil {
		log.Fatalf("%s", errors.ErrorStack(err))
	}
	return c
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.CommandPort == "" {
		errs = append(errs, errors.New("config: command_port is required"))
	}
	if c.DataPort == "" {
		errs = append(errs, errors.New("config: data_port is required"))
	}
	if c.CommandPort != "" && c.CommandPort == c.DataPort {
		errs = append(errs, errors.New("config: command_port and data_port must be two different links"))
	}
	if c.Tele.Enabled && c.Tele.MqttBroker == "" {
		errs = append(errs, errors.New("config: tele.mqtt_broker is required when tele is enabled"))
	}
	return helpers.FoldErrors(errs)
}
