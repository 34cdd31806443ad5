package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/celerway/mqttpipe/connector/config"
	is2 "github.com/matryer/is"
)

func TestSetOptions(t *testing.T) {
	is := is2.New(t)
	t.Setenv("TEST_STR", "from-env")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "250ms")

	empty, flagged := "", "from-flag"
	is.Equal(setOptionStr(&empty, "def", "str", "TEST_STR"), "from-env")
	is.Equal(setOptionStr(&flagged, "def", "str", "TEST_STR"), "from-flag")
	is.Equal(setOptionStr(&empty, "def", "str", "TEST_UNSET"), "def")

	zero := 0
	is.Equal(setOptionInt(&zero, 7, "int", "TEST_INT"), 42)
	is.Equal(setOptionInt(&zero, 7, "int", "TEST_UNSET"), 7)

	no := false
	is.Equal(setOptionBool(&no, false, "bool", "TEST_BOOL"), true)
	is.Equal(setOptionBool(&no, true, "bool", "TEST_UNSET"), true)

	var d time.Duration
	is.Equal(setOptionDuration(&d, time.Second, "duration", "TEST_DURATION"), 250*time.Millisecond)
	is.Equal(setOptionDuration(&d, time.Second, "duration", "TEST_UNSET"), time.Second)
}

func TestLoadConfig_URI(t *testing.T) {
	is := is2.New(t)
	name, cfg, err := loadConfig("", "mqtt:sensors?subTopicName=sensors/%23&clientId=fixed",
		map[string]string{config.OptHost: "broker:1884", config.OptPubTopic: ""})
	is.NoErr(err)
	is.Equal(name, "sensors")
	is.Equal(cfg.SubTopic(), "sensors/#")
	is.Equal(cfg.Host(), "tcp://broker:1884")
	is.Equal(cfg.PubTopic(), config.DefaultPubTopic) // empty overrides are ignored
	is.Equal(cfg.EndpointName(), "fixed")
}

func TestLoadConfig_YAML(t *testing.T) {
	is := is2.New(t)
	file := filepath.Join(t.TempDir(), "endpoint.yaml")
	is.NoErr(os.WriteFile(file, []byte("subTopicName: a/+\nqosLevel: 2\n"), 0o600))
	name, cfg, err := loadConfig(file, "", map[string]string{})
	is.NoErr(err)
	is.Equal(name, "mqttpipe")
	is.Equal(cfg.SubTopic(), "a/+")
	is.Equal(cfg.QoS(), byte(2))
	is.True(strings.HasPrefix(cfg.EndpointName(), "mqttpipe-")) // unique default client id
}

func TestLoadConfig_Errors(t *testing.T) {
	is := is2.New(t)
	_, _, err := loadConfig("x.yaml", "mqtt:x", map[string]string{})
	is.True(err != nil)
	_, _, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "", map[string]string{})
	is.True(err != nil)
	_, _, err = loadConfig("", "mqtt:x", map[string]string{"password": "secret"})
	is.True(err != nil)
}
