package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/memhier/mem/mem"
)

// EnvPrefix starts the name of every environment variable read by ApplyEnv.
const EnvPrefix = "MEMHIER_"

// Load reads a YAML configuration file. Options missing from the file keep
// their default values. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes a YAML document over the defaults.
func Parse(data []byte) (Config, error) {
	c := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err := dec.Decode(&c)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", mem.ErrConfig, err)
	}

	return c, nil
}

// LoadEnvFile reads a dotenv file and applies its MEMHIER_* entries.
func LoadEnvFile(c Config, path string) (Config, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return c, fmt.Errorf("reading env file %s: %w", path, err)
	}

	return ApplyEnv(c, env)
}

// FromEnviron applies the MEMHIER_* variables of the process environment.
func FromEnviron(c Config) (Config, error) {
	env := make(map[string]string)

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}

	return ApplyEnv(c, env)
}

type envField struct {
	param string
	set   func(c *Config, v string) error
}

var envFields = []envField{
	{"size", func(c *Config, v string) error { return parseUint(&c.Size, v) }},
	{"associativity", func(c *Config, v string) error {
		return parseInt(&c.Associativity, v)
	}},
	{"block_size", func(c *Config, v string) error {
		return parseUint(&c.BlockSize, v)
	}},
	{"address_bits", func(c *Config, v string) error {
		return parseInt(&c.AddressBits, v)
	}},
	{"page_size", func(c *Config, v string) error { c.PageSize = v; return nil }},
	{"table_format", func(c *Config, v string) error {
		c.TableFormat = v
		return nil
	}},
	{"replacement_policy", func(c *Config, v string) error {
		c.ReplacementPolicy = v
		return nil
	}},
	{"write_policy", func(c *Config, v string) error {
		c.WritePolicy = v
		return nil
	}},
	{"allocate_policy", func(c *Config, v string) error {
		c.AllocatePolicy = v
		return nil
	}},
	{"tlb_entries", func(c *Config, v string) error {
		return parseInt(&c.TLBEntries, v)
	}},
	{"tlb_replacement_policy", func(c *Config, v string) error {
		c.TLBReplacementPolicy = v
		return nil
	}},
	{"indexing", func(c *Config, v string) error { c.Indexing = v; return nil }},
	{"vipt_policy", func(c *Config, v string) error {
		c.VIPTPolicy = v
		return nil
	}},
	{"page_table_base", func(c *Config, v string) error {
		return parseUint(&c.PageTableBase, v)
	}},
	{"random_seed", func(c *Config, v string) error {
		return parseUint(&c.RandomSeed, v)
	}},
}

// ApplyEnv overrides the options named by MEMHIER_<OPTION> keys of env.
// Keys without the prefix are ignored.
func ApplyEnv(c Config, env map[string]string) (Config, error) {
	for _, f := range envFields {
		key := EnvPrefix + strings.ToUpper(f.param)

		v, ok := env[key]
		if !ok {
			continue
		}

		if err := f.set(&c, strings.TrimSpace(v)); err != nil {
			return c, mem.NewConfigError("config", f.param, v, err.Error())
		}
	}

	return c, nil
}

func parseUint(dst *uint64, v string) error {
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fmt.Errorf("must be an unsigned integer")
	}

	*dst = n

	return nil
}

func parseInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("must be an integer")
	}

	*dst = n

	return nil
}
