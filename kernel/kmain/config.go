package kmain

import (
	"encoding/json"
	"io"
	"os"
	"pebbles/kernel"
)

// Config describes the simulated machine and the program it boots.
type Config struct {
	// MachineFrames is the number of 4K frames of installed RAM above the
	// kernel region.
	MachineFrames int `json:"machine_frames"`

	// PageTables bounds the number of page directories and tables outside
	// the kernel's own. Negative means unbounded.
	PageTables int `json:"page_tables"`

	// KernelStacks bounds the number of threads alive at once. Negative
	// means unbounded.
	KernelStacks int `json:"kernel_stacks"`

	// TickMillis is the timer interrupt period.
	TickMillis int `json:"tick_ms"`

	LogLevel string   `json:"log_level"`
	Init     string   `json:"init"`
	InitArgs []string `json:"init_args"`
}

var errInvalidConfig = &kernel.Error{Module: "kmain", Message: "invalid machine configuration", Kind: kernel.KindValidation}

// DefaultConfig returns a 16M machine with unbounded page tables that boots
// the program named init.
func DefaultConfig() Config {
	return Config{
		MachineFrames: 4096,
		PageTables:    -1,
		KernelStacks:  64,
		TickMillis:    10,
		LogLevel:      "info",
		Init:          "init",
		InitArgs:      []string{"init"},
	}
}

// LoadConfig decodes a JSON configuration from r. Fields missing from the
// document keep their DefaultConfig values.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile decodes the JSON configuration stored at path.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	return LoadConfig(f)
}

func (cfg Config) validate() *kernel.Error {
	if cfg.MachineFrames <= 0 || cfg.TickMillis <= 0 || cfg.Init == "" {
		return errInvalidConfig
	}
	return nil
}
