package l2reflector

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/usnistgov/l2reflector/core/macaddr"
	"github.com/usnistgov/l2reflector/core/yamlflag"
	"github.com/usnistgov/l2reflector/hw/hwdrv"
	"github.com/usnistgov/l2reflector/reflector/queue"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/multierr"
)

// Defaults.
const (
	DefaultDevice           = "mlx5_0"
	DefaultMAC              = "02:00:00:00:00:01"
	DefaultOffloadImage     = "l2_reflector_device"
	DefaultEntryPoint       = "l2_reflector_device_event_handler"
	DefaultLogDepth         = 7
	DefaultLogDataChunkSize = 11
	MaxLogDataChunkSize     = 16
)

// Config contains reflector configuration.
type Config struct {
	// Device is the RDMA device name.
	Device string `json:"device" yaml:"device"`

	// MAC is the reflected MAC address.
	// The ingress pipeline matches it as source address; the egress pipeline matches it as destination address.
	MAC macaddr.Flag `json:"mac" yaml:"mac"`

	// OffloadImage names the offload program image.
	OffloadImage string `json:"offloadImage" yaml:"offloadImage"`
	// EntryPoint names the event handler function in the offload program.
	EntryPoint string `json:"entryPoint" yaml:"entryPoint"`
	// ExecutionUnit is the execution unit the event handler is pinned to.
	ExecutionUnit uint32 `json:"executionUnit" yaml:"executionUnit"`

	LogCQDepth       int `json:"logCqDepth" yaml:"logCqDepth"`
	LogSQDepth       int `json:"logSqDepth" yaml:"logSqDepth"`
	LogRQDepth       int `json:"logRqDepth" yaml:"logRqDepth"`
	LogDataChunkSize int `json:"logDataChunkSize" yaml:"logDataChunkSize"`

	// UplinkPort is the vport that egress frames are forwarded to.
	// Default is the physical uplink. Zero is a valid vport.
	UplinkPort *uint16 `json:"uplinkPort,omitempty" yaml:"uplinkPort,omitempty"`
}

// ApplyDefaults fills unset fields with defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.MAC.Empty() {
		cfg.MAC.Set(DefaultMAC)
	}
	if cfg.OffloadImage == "" {
		cfg.OffloadImage = DefaultOffloadImage
	}
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = DefaultEntryPoint
	}
	for _, logDepth := range []*int{&cfg.LogCQDepth, &cfg.LogSQDepth, &cfg.LogRQDepth} {
		if *logDepth == 0 {
			*logDepth = DefaultLogDepth
		}
	}
	if cfg.LogDataChunkSize == 0 {
		cfg.LogDataChunkSize = DefaultLogDataChunkSize
	}
	if cfg.UplinkPort == nil {
		vport := uint16(hwdrv.UplinkVport)
		cfg.UplinkPort = &vport
	}
}

// Validate checks the configuration after defaults are applied.
// Every error wraps hwdrv.ErrInvalidValue.
func (cfg Config) Validate() (e error) {
	errs := []error{}
	if len(cfg.Device) >= hwdrv.IBDevNameSize {
		errs = append(errs, errors.New("device name too long"))
	}
	if !macaddr.IsValid(cfg.MAC.HardwareAddr) {
		errs = append(errs, errors.New("mac must be a MAC-48 address"))
	}
	for _, f := range []struct {
		name     string
		logDepth int
	}{
		{"logCqDepth", cfg.LogCQDepth},
		{"logSqDepth", cfg.LogSQDepth},
		{"logRqDepth", cfg.LogRQDepth},
	} {
		if f.logDepth < queue.MinLogDepth || f.logDepth > queue.MaxLogDepth {
			errs = append(errs, fmt.Errorf("%s must be between %d and %d", f.name, queue.MinLogDepth, queue.MaxLogDepth))
		}
	}
	if cfg.LogCQDepth != cfg.LogRQDepth {
		errs = append(errs, errors.New("logCqDepth must equal logRqDepth"))
	}
	if cfg.LogDataChunkSize < 1 || cfg.LogDataChunkSize > MaxLogDataChunkSize {
		errs = append(errs, fmt.Errorf("logDataChunkSize must be between 1 and %d", MaxLogDataChunkSize))
	}
	for _, err := range errs {
		e = multierr.Append(e, fmt.Errorf("%w: %w", hwdrv.ErrInvalidValue, err))
	}
	return e
}

func (cfg Config) txQueue() queue.Config {
	return queue.Config{LogCQDepth: cfg.LogCQDepth, LogDepth: cfg.LogSQDepth, LogDataChunkSize: cfg.LogDataChunkSize}
}

func (cfg Config) rxQueue() queue.Config {
	return queue.Config{LogCQDepth: cfg.LogCQDepth, LogDepth: cfg.LogRQDepth, LogDataChunkSize: cfg.LogDataChunkSize}
}

func (cfg Config) uplinkPort() uint16 {
	if cfg.UplinkPort == nil {
		return hwdrv.UplinkVport
	}
	return *cfg.UplinkPort
}

func (cfg Config) mac() net.HardwareAddr {
	return cfg.MAC.HardwareAddr
}

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

// SchemaError indicates a configuration document failed schema validation.
type SchemaError struct {
	*gojsonschema.Result
}

func (e SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("configuration failed schema validation:")
	for _, desc := range e.Result.Errors() {
		fmt.Fprintf(&b, "\n- %s", desc)
	}
	return b.String()
}

func (SchemaError) Unwrap() error {
	return hwdrv.ErrInvalidValue
}

// ValidateDocument checks a generic configuration document against the configuration schema.
func ValidateDocument(doc any) error {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	if schemaErr != nil {
		return schemaErr
	}

	result, e := schema.Validate(gojsonschema.NewGoLoader(doc))
	if e != nil {
		return e
	}
	if !result.Valid() {
		return SchemaError{result}
	}
	return nil
}

// LoadConfig decodes a YAML configuration document, or "@" followed by a filename.
// The document is validated against the configuration schema.
func LoadConfig(s string) (cfg Config, e error) {
	if e = yamlflag.Load(s, &cfg, ValidateDocument); e != nil {
		return Config{}, e
	}
	return cfg, nil
}

// ConfigFlag returns a flag.Getter that decodes and validates a configuration document into cfg.
func ConfigFlag(cfg *Config) flag.Getter {
	return yamlflag.New(cfg, ValidateDocument)
}
