package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownOption = errors.New("config: unknown option")
	ErrInvalidOption = errors.New("config: invalid option value")
	ErrInvalidURI    = errors.New("config: invalid endpoint uri")
)

// URIScheme is the scheme endpoint URIs must use.
const URIScheme = "mqtt"

// Apply sets every option in opts. Options are applied in name order so the result
// doesn't depend on map iteration. The first bad option aborts; options applied before
// it stay applied.
func (c *Config) Apply(opts map[string]string) error {
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.set(name, opts[name]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) set(name, value string) error {
	switch name {
	case OptHost:
		c.SetHost(value)
	case OptEndpointName, OptClientID:
		c.SetEndpointName(value)
	case OptPubTopic:
		c.SetPubTopic(value)
	case OptSubTopic:
		c.SetSubTopic(value)
	case OptQoS:
		v, err := parseInt(name, value)
		if err != nil {
			return err
		}
		c.SetQoS(v)
	case OptCleanSession:
		v, err := parseBool(name, value)
		if err != nil {
			return err
		}
		c.SetCleanSession(v)
	case OptRetained:
		v, err := parseBool(name, value)
		if err != nil {
			return err
		}
		c.SetRetained(v)
	case OptConnectionTimeout:
		v, err := parseInt(name, value)
		if err != nil {
			return err
		}
		c.SetConnectionTimeout(v)
	case OptPublishTimeout:
		v, err := parseInt(name, value)
		if err != nil {
			return err
		}
		c.SetPublishTimeout(v)
	case OptReconnectOnLost:
		v, err := parseBool(name, value)
		if err != nil {
			return err
		}
		c.SetReconnectOnLost(v)
	case OptReconnectBreaker:
		v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidOption, name, value)
		}
		c.SetReconnectBreaker(uint32(v))
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOption, name)
	}
	return nil
}

func parseInt(name, value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidOption, name, value)
	}
	return v, nil
}

func parseBool(name, value string) (bool, error) {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidOption, name, value)
	}
	return v, nil
}

// ParseURI reads an endpoint URI such as
//
//	mqtt:sensors?host=broker:1883&subTopicName=sensors/+/temp&qosLevel=1
//
// and returns the endpoint name (the part after the scheme) and its configuration.
func ParseURI(uri string) (string, *Config, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme != URIScheme {
		return "", nil, fmt.Errorf("%w: scheme must be %q, got %q", ErrInvalidURI, URIScheme, u.Scheme)
	}
	// mqtt:name puts the name in Opaque, mqtt://name in Host.
	name := u.Opaque
	if name == "" {
		name = strings.TrimPrefix(u.Host+u.Path, "/")
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	opts := make(map[string]string, len(query))
	for k, v := range query {
		opts[k] = v[len(v)-1]
	}
	cfg := New()
	if err := cfg.Apply(opts); err != nil {
		return "", nil, err
	}
	return name, cfg, nil
}

// LoadYAML reads a flat mapping of option names to values.
func LoadYAML(r io.Reader) (*Config, error) {
	raw := map[string]interface{}{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decoding yaml: %w", err)
	}
	opts := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return nil, fmt.Errorf("%w: %s must be a scalar", ErrInvalidOption, k)
		}
		opts[k] = fmt.Sprint(v)
	}
	cfg := New()
	if err := cfg.Apply(opts); err != nil {
		return nil, err
	}
	return cfg, nil
}
