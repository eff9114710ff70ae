package config

import "fmt"

type JetStream struct {
	Matrix *Global `yaml:"-"`

	// A list of NATS addresses to connect to. If none are specified, an
	// internal NATS server will be started.
	Addresses []string `yaml:"addresses"`
	// The prefix to use for stream names for this homeserver - really only
	// useful if running more than one fedcore on the same NATS deployment.
	TopicPrefix string `yaml:"topic_prefix"`
	// Keep all storage in memory. This is mostly useful for unit tests.
	InMemory bool `yaml:"in_memory"`
	// Where the internal NATS server keeps its data.
	StoragePath Path `yaml:"storage_path"`
}

func (k *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", k.TopicPrefix, name)
}

// Durable returns the name of a durable consumer, prefixed like the
// streams so that several deployments can share NATS.
func (k *JetStream) Durable(name string) string {
	return k.Prefixed(name)
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.Addresses = []string{}
	c.TopicPrefix = "FedCore"
	if opts.Generate {
		c.StoragePath = Path("./")
		c.InMemory = true
	}
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	if len(c.Addresses) == 0 && !c.InMemory {
		checkNotEmpty(configErrs, "global.jetstream.storage_path", string(c.StoragePath))
	}
}
